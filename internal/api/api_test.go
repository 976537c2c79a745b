package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/depend"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/reminders"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

type recordingAcks struct {
	received []models.Acknowledgment
}

func (a *recordingAcks) OnAcknowledge(_ context.Context, ack models.Acknowledgment) error {
	a.received = append(a.received, ack)
	return nil
}

func newTestServer(t *testing.T) (*Server, *recordingAcks) {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { st.Close() })
	svc := reminders.NewService(st, depend.NewResolver(st, nil), nil)
	acks := &recordingAcks{}
	return NewServer(svc, acks), acks
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func createBody() []byte {
	return []byte(`{
		"owner_key": "user-1",
		"body": "take your medication",
		"channel": "whatsapp",
		"to": "+15550001111",
		"schedule": {"delay_seconds": 120}
	}`)
}

func TestCreateReminderEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/reminders", bytes.NewReader(createBody()))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("status = %s, want ok", resp.Status)
	}
	if resp.Result == nil {
		t.Fatal("expected the created job in the result")
	}
}

func TestCreateReminderRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing body", `{"owner_key":"user-1","channel":"whatsapp","to":"+15550001111","schedule":{"delay_seconds":60}}`},
		{"no schedule", `{"owner_key":"user-1","body":"hi","channel":"whatsapp","to":"+15550001111","schedule":{}}`},
		{"bad cron", `{"owner_key":"user-1","body":"hi","channel":"whatsapp","to":"+15550001111","schedule":{"expression":"bogus","timezone":"UTC"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/reminders", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			resp := decodeResponse(t, rr)
			if resp.Status != string(models.APIStatusError) {
				t.Errorf("status = %s, want error", resp.Status)
			}
		})
	}
}

func TestCreateReminderDuplicateConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	// An interval schedule serializes identically on both attempts.
	body := `{"owner_key":"user-1","body":"drink water","channel":"whatsapp","to":"+15550001111","schedule":{"every_seconds":3600}}`
	first := httptest.NewRequest(http.MethodPost, "/reminders", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, first)
	if rr.Code != http.StatusCreated {
		t.Fatalf("setup create failed: %d", rr.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/reminders", bytes.NewBufferString(body))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, second)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Result == nil {
		t.Error("expected the existing job in the conflict response")
	}
}

func TestListRemindersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/reminders", bytes.NewReader(createBody()))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("setup create failed: %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/reminders?owner_key=user-1", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Status string       `json:"status"`
		Result []models.Job `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result) != 1 {
		t.Errorf("expected 1 reminder, got %d", len(resp.Result))
	}

	// Missing owner key is a client error.
	req = httptest.NewRequest(http.MethodGet, "/reminders", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without owner_key, got %d", rr.Code)
	}

	// Another owner sees an empty list.
	req = httptest.NewRequest(http.MethodGet, "/reminders?owner_key=user-2", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result) != 0 {
		t.Errorf("expected no reminders for another owner, got %d", len(resp.Result))
	}
}

func TestDeleteReminderEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/reminders", bytes.NewReader(createBody()))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("setup create failed: %d", rr.Code)
	}
	var created struct {
		Result models.Job `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := created.Result.ID

	// Another owner cannot remove it.
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/reminders/%s?owner_key=user-2", id), nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign owner, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/reminders/%s?owner_key=user-1", id), nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for owner delete, got %d: %s", rr.Code, rr.Body.String())
	}

	// Deleting again is a 404.
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/reminders/%s?owner_key=user-1", id), nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rr.Code)
	}
}

func TestAckEndpoint(t *testing.T) {
	srv, acks := newTestServer(t)
	handler := srv.Handler()

	body := `{"from":"+15550001111","message_id":"msg-1","signal":"positive"}`
	req := httptest.NewRequest(http.MethodPost, "/ack", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(acks.received) != 1 {
		t.Fatalf("expected 1 acknowledgment forwarded, got %d", len(acks.received))
	}
	got := acks.received[0]
	if got.From != "+15550001111" || got.MessageID != "msg-1" || got.Signal != models.AckPositive {
		t.Errorf("unexpected acknowledgment: %+v", got)
	}
	if got.Time.IsZero() || time.Since(got.Time) > time.Minute {
		t.Errorf("expected the receive time defaulted to now, got %v", got.Time)
	}
}

func TestAckEndpointRejectsBadSignal(t *testing.T) {
	srv, acks := newTestServer(t)
	handler := srv.Handler()

	body := `{"from":"+15550001111","message_id":"msg-1","signal":"maybe"}`
	req := httptest.NewRequest(http.MethodPost, "/ack", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if len(acks.received) != 0 {
		t.Errorf("invalid signal forwarded: %+v", acks.received)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPut, "/reminders"},
		{http.MethodPost, "/reminders/job_x?owner_key=user-1"},
		{http.MethodGet, "/ack"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tt.method, tt.path, rr.Code)
		}
	}
}
