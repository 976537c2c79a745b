package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/api"
	"github.com/BTreeMap/ReminderPipe/internal/depend"
	"github.com/BTreeMap/ReminderPipe/internal/dispatch"
	"github.com/BTreeMap/ReminderPipe/internal/lockfile"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/reminders"
	"github.com/BTreeMap/ReminderPipe/internal/scheduler"
	"github.com/BTreeMap/ReminderPipe/internal/store"
	"github.com/BTreeMap/ReminderPipe/internal/tracker"
	"github.com/BTreeMap/ReminderPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReminderPipe/internal/util"
	"github.com/BTreeMap/ReminderPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReminderPipe state data
	DefaultStateDir = "/var/lib/reminderpipe"
	// DefaultAppDBFileName is the default SQLite database filename for jobs
	DefaultAppDBFileName = "reminderpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping ReminderPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr, "tick_interval", *flags.tickSeconds, "twilio", *flags.useTwilio)
	if err := run(flags); err != nil {
		slog.Error("ReminderPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReminderPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	AppDBDSN      string
	WhatsAppDBDSN string
	StateDir      string
	APIAddr       string
	TickSeconds   int
	UseTwilio     bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	waDBDSN     *string
	apiAddr     *string
	tickSeconds *int
	useTwilio   *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		AppDBDSN:      os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:      os.Getenv("REMINDERPIPE_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		TickSeconds:   util.ParseIntEnv("TICK_INTERVAL_SECONDS", int(scheduler.DefaultTickInterval/time.Second)),
		UseTwilio:     util.ParseBoolEnv("USE_TWILIO", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REMINDERPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Legacy single-DSN deployments set DATABASE_URL only.
	if config.AppDBDSN == "" {
		config.AppDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.AppDBDSN == "" {
		config.AppDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.AppDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_DSN_SET", config.AppDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"REMINDERPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"TICK_INTERVAL_SECONDS", config.TickSeconds,
		"USE_TWILIO", config.UseTwilio)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for ReminderPipe data (overrides $REMINDERPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.AppDBDSN, "database DSN for the job store (overrides $DATABASE_DSN or $DATABASE_URL)"),
		waDBDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tickSeconds: flag.Int("tick-interval", config.TickSeconds, "scheduler tick interval in seconds (overrides $TICK_INTERVAL_SECONDS)"),
		useTwilio:   flag.Bool("use-twilio", config.UseTwilio, "deliver via the Twilio API instead of a direct WhatsApp connection (overrides $USE_TWILIO)"),
	}

	flag.Parse()

	// Follow a moved state directory when the DSNs were left at their defaults.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDBDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.waDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	return nil
}

// openStore selects a job store backend from the DSN.
func openStore(dsn string) (store.JobStore, error) {
	if dsn == "" {
		slog.Warn("No database DSN configured, jobs will not survive restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Only one scheduler may run against a state directory; a second instance
	// would double-fire every due job.
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return fmt.Errorf("failed to lock state directory: %w", err)
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer st.Close()

	dispatcher := dispatch.NewDispatcher(st)
	resolver := depend.NewResolver(st, nil)
	trk := tracker.NewTracker(st, dispatcher, resolver)
	svc := reminders.NewService(st, resolver, nil)

	var waAcks <-chan models.Acknowledgment
	if *flags.useTwilio {
		tw, err := twiliowhatsapp.NewClient()
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		dispatcher.Register("whatsapp", tw)
	} else {
		waOpts := buildWhatsAppOptions(flags)
		wa, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		defer wa.Disconnect()
		dispatcher.Register("whatsapp", wa)
		waAcks = wa.Acks()
	}

	loop := scheduler.NewLoop(st, dispatcher, nil, time.Duration(*flags.tickSeconds)*time.Second)
	loop.SetCompletionNotifier(resolver)
	loop.SetFollowUpChecker(trk)

	if err := loop.CatchUp(ctx); err != nil {
		return fmt.Errorf("startup catch-up failed: %w", err)
	}

	go loop.Run(ctx)
	if waAcks != nil {
		go pumpAcknowledgments(ctx, waAcks, trk)
	}
	go logReplacementRequests(ctx, trk.Replacements())

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	srv := api.NewServer(svc, trk, apiOpts...)
	return srv.Run(ctx)
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDBDSN))
	}
	return waOpts
}

// pumpAcknowledgments forwards reaction-derived signals into the tracker.
func pumpAcknowledgments(ctx context.Context, acks <-chan models.Acknowledgment, trk *tracker.Tracker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-acks:
			if err := trk.OnAcknowledge(ctx, ack); err != nil {
				slog.Error("Failed to process acknowledgment", "error", err, "from", ack.From, "messageID", ack.MessageID)
			}
		}
	}
}

// logReplacementRequests surfaces rejected reminders so an operator (or a
// future conversational layer) can follow up with a new schedule.
func logReplacementRequests(ctx context.Context, reqs <-chan models.ReplacementRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-reqs:
			slog.Info("Reminder marked not done, replacement schedule needed",
				"ownerKey", req.OwnerKey, "jobID", req.JobID, "body", req.Payload.Body)
		}
	}
}
