// Package whatsapp wraps the Whatsmeow client for WhatsApp delivery.
//
// It sends reminder messages, reports connection readiness, and turns emoji
// reactions on delivered reminders into acknowledgment signals.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/reminderpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// ackBuffer sizes the acknowledgment channel; reactions arrive at human pace.
	ackBuffer = 64
)

// Emoji sets classifying a reaction on a delivered reminder. Text aliases
// cover clients that report reaction shortcodes instead of the glyph.
var (
	positiveEmojis = map[string]bool{
		"👍": true, "✅": true, "✔": true, "✔️": true, "😊": true, "🙂": true,
		"😁": true, "✓": true, "★": true, "⭐": true, "💯": true,
		"+1": true, "thumbsup": true, "white_check_mark": true, "check": true,
		"heavy_check_mark": true,
	}
	negativeEmojis = map[string]bool{
		"👎": true, "❌": true, "✗": true, "✘": true, "😞": true, "🙁": true,
		"😕": true, "🔄": true,
		"-1": true, "thumbsdown": true, "x": true, "cross_mark": true,
	}
	snoozeEmojis = map[string]bool{
		"⏰": true, "alarm": true, "clock": true,
	}
)

// ClassifySignal maps a reaction emoji to an acknowledgment signal. The
// second return value is false for reactions that carry no signal.
func ClassifySignal(emoji string) (models.AckSignal, bool) {
	e := strings.ToLower(strings.TrimSpace(emoji))
	switch {
	case positiveEmojis[e]:
		return models.AckPositive, true
	case negativeEmojis[e]:
		return models.AckNegative, true
	case snoozeEmojis[e]:
		return models.AckSnooze, true
	default:
		return "", false
	}
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the client to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use.
type Client struct {
	waClient *whatsmeow.Client
	acks     chan models.Acknowledgment
}

// NewClient creates a new WhatsApp client, applying any provided options for
// customization, and connects it (running the QR or numeric login flow when
// no session is stored yet).
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	// Auto-detect database driver based on DSN
	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
		slog.Debug("WhatsApp client auto-detected PostgreSQL driver", "dsn_type", "postgresql")
	} else {
		dbDriver = "sqlite3"
		slog.Debug("WhatsApp client auto-detected SQLite driver", "dsn_type", "sqlite")

		// whatsmeow strongly recommends foreign keys on its SQLite database.
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	c := &Client{
		waClient: waClient,
		acks:     make(chan models.Acknowledgment, ackBuffer),
	}
	waClient.AddEventHandler(c.handleEvent)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		err = waClient.Connect()
		if err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		// Determine output writer for QR or code
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received", "code", evt.Code)
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
				fmt.Println("Login event:", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return c, nil
}

// CanonicalRecipient normalizes an address to the bare JID user: reactions
// report the sender in this form, so deliveries must be recorded under it.
func (c *Client) CanonicalRecipient(to string) string {
	to = strings.TrimSpace(to)
	to = strings.TrimPrefix(to, "+")
	if at := strings.IndexByte(to, '@'); at >= 0 {
		to = to[:at]
	}
	return to
}

// Send delivers a WhatsApp message and returns the server-assigned message ID
// used for acknowledgment correlation.
func (c *Client) Send(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(c.CanonicalRecipient(to), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("WhatsApp message sent successfully", "to", to, "messageID", resp.ID)
	return resp.ID, nil
}

// Ready reports whether the client is connected and able to deliver.
func (c *Client) Ready() bool {
	return c.waClient != nil && c.waClient.IsConnected()
}

// Acks returns acknowledgment signals derived from emoji reactions on
// delivered reminders.
func (c *Client) Acks() <-chan models.Acknowledgment {
	return c.acks
}

// Disconnect closes the WhatsApp connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// handleEvent turns reaction events into acknowledgment signals. Reactions
// that carry no signal, and every other event type, are ignored.
func (c *Client) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	reaction := msg.Message.GetReactionMessage()
	if reaction == nil {
		return
	}

	signal, ok := ClassifySignal(reaction.GetText())
	if !ok {
		slog.Debug("WhatsApp reaction carries no signal", "emoji", reaction.GetText(), "from", msg.Info.Sender.User)
		return
	}

	ack := models.Acknowledgment{
		From:      msg.Info.Chat.User,
		MessageID: reaction.GetKey().GetID(),
		Signal:    signal,
		Time:      msg.Info.Timestamp,
	}
	select {
	case c.acks <- ack:
		slog.Debug("WhatsApp reaction queued as acknowledgment",
			"from", ack.From, "messageID", ack.MessageID, "signal", ack.Signal)
	default:
		slog.Warn("WhatsApp acknowledgment channel full, dropping reaction",
			"from", ack.From, "messageID", ack.MessageID)
	}
}

// MockClient implements the channel contract without a real WhatsApp
// connection, for tests and dry runs.
type MockClient struct {
	Sent []string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Send records the message and returns a synthetic message ID.
func (m *MockClient) Send(ctx context.Context, to string, body string) (string, error) {
	m.Sent = append(m.Sent, to+": "+body)
	return fmt.Sprintf("mock-%d", len(m.Sent)), nil
}

// Ready always reports true.
func (m *MockClient) Ready() bool { return true }
