// Package api provides HTTP handlers for ReminderPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/reminders"
)

// remindersHandler serves the reminder collection: POST creates a reminder,
// GET lists an owner's reminders.
func (s *Server) remindersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		s.createReminder(w, r)
	case http.MethodGet:
		s.listReminders(w, r)
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodPost, http.MethodGet}, ", "))
		slog.Warn("Server.remindersHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createReminder(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createReminder: processing create request")
	var req reminders.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createReminder: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	job, err := s.svc.Create(req)
	switch {
	case errors.Is(err, reminders.ErrDuplicate):
		slog.Info("Server.createReminder: duplicate reminder", "ownerKey", req.OwnerKey, "existingJobID", job.ID)
		writeJSONResponse(w, http.StatusConflict, models.SuccessWithMessage("An identical reminder already exists", job))
		return
	case err != nil:
		var schedErr *models.SchedulingError
		if errors.As(err, &schedErr) {
			slog.Warn("Server.createReminder: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.createReminder: failed to create reminder", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create reminder"))
		return
	}

	slog.Info("Server.createReminder: reminder created", "jobID", job.ID, "ownerKey", job.OwnerKey)
	writeJSONResponse(w, http.StatusCreated, models.Success(job))
}

func (s *Server) listReminders(w http.ResponseWriter, r *http.Request) {
	ownerKey := r.URL.Query().Get("owner_key")
	if ownerKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("owner_key query parameter is required"))
		return
	}

	jobs, err := s.svc.List(ownerKey)
	if err != nil {
		slog.Error("Server.listReminders: failed to list reminders", "error", err, "ownerKey", ownerKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list reminders"))
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(jobs))
}

// reminderHandler serves a single reminder: GET fetches it, DELETE removes it.
// The owner key is required so one owner cannot touch another's jobs.
func (s *Server) reminderHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := strings.TrimPrefix(r.URL.Path, "/reminders/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Reminder not found"))
		return
	}
	ownerKey := r.URL.Query().Get("owner_key")
	if ownerKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("owner_key query parameter is required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.svc.Get(ownerKey, id)
		if err != nil {
			slog.Error("Server.reminderHandler: lookup failed", "error", err, "jobID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch reminder"))
			return
		}
		if job == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Reminder not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(job))

	case http.MethodDelete:
		removed, err := s.svc.Remove(ownerKey, id)
		if err != nil {
			slog.Error("Server.reminderHandler: removal failed", "error", err, "jobID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to remove reminder"))
			return
		}
		if !removed {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Reminder not found"))
			return
		}
		slog.Info("Server.reminderHandler: reminder removed", "jobID", id, "ownerKey", ownerKey)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reminder removed", nil))

	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodDelete}, ", "))
		slog.Warn("Server.reminderHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ackHandler ingests an acknowledgment signal observed outside the messaging
// channel, e.g. from a webhook. Unmatched signals still return 200: the
// correlation is single-use and the caller cannot act on a miss.
func (s *Server) ackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.ackHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var ack models.Acknowledgment
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		slog.Warn("Server.ackHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if ack.From == "" || ack.MessageID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("from and message_id are required"))
		return
	}
	switch ack.Signal {
	case models.AckPositive, models.AckNegative, models.AckSnooze:
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("signal must be positive, negative, or snooze"))
		return
	}
	if ack.Time.IsZero() {
		ack.Time = time.Now()
	}

	if err := s.acks.OnAcknowledge(r.Context(), ack); err != nil {
		slog.Error("Server.ackHandler: failed to process acknowledgment", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process acknowledgment"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Acknowledgment recorded", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
