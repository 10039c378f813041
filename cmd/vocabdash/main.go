package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/vocabdash/internal/backend"
	"github.com/pavelanni/vocabdash/internal/handler"
	appI18n "github.com/pavelanni/vocabdash/internal/i18n"
	"github.com/pavelanni/vocabdash/internal/metrics"
	"github.com/pavelanni/vocabdash/internal/realtime"
	"github.com/pavelanni/vocabdash/internal/sheet"
	"github.com/pavelanni/vocabdash/internal/socket"
	"github.com/pavelanni/vocabdash/internal/staging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vocabdash",
		Short: "Dashboard for the vocabulary trainer backend",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("backend-url", "http://localhost:3000/api", "Backend API base URL")
	f.Duration("backend-timeout", 30*time.Second, "Timeout for one backend request")
	f.String("socket-url", "", "Socket.IO server URL (empty disables live updates)")
	f.String("socket-path", "/socket.io/", "Socket.IO request path")
	f.String("socket-namespace", "/notification", "Socket.IO namespace")
	f.StringSlice("socket-transports", []string{socket.TransportWebsocket, socket.TransportPolling}, "Transports the client may use")
	f.Int("socket-reconnect-attempts", 5, "Reconnect attempts before giving up")
	f.Duration("socket-reconnect-delay", 2*time.Second, "Delay between reconnect attempts")
	f.Duration("socket-timeout", 20*time.Second, "Socket connect timeout")
	f.Duration("job-timeout", 0, "How long a result page waits for an evaluation (required)")
	f.Duration("idle-timeout", 30*time.Minute, "Close a user's socket after this long without requests")
	f.String("staging-db", "vocabdash.db", "SQLite database for staged exams")
	f.Duration("staging-ttl", 24*time.Hour, "Discard staged exams older than this")
	f.Duration("status-wait", 10*time.Second, "How long a result status request waits for news")
	f.StringP("lang", "l", "en", "Default UI language (en, ru)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /dash)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.Int64("max-upload-bytes", 10<<20, "Largest accepted import upload")
	f.String("cloudinary-cloud-name", "", "Cloudinary cloud name")
	f.String("cloudinary-api-key", "", "Cloudinary API key")
	f.String("cloudinary-api-secret", "", "Cloudinary API secret")
	f.String("cloudinary-folder", "", "Default Cloudinary upload folder")
	f.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the vocabulary of a language folder as CSV or XLSX",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("backend-url", "http://localhost:3000/api", "Backend API base URL")
	f.Duration("backend-timeout", 30*time.Second, "Timeout for one backend request")
	f.String("token", "", "Session token (required)")
	f.String("language-folder", "", "Language folder id (required)")
	f.String("format", "", "Output format, csv or xlsx (default from the output name, else csv)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("language-folder")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("VOCABDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("vocabdash")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/vocabdash")
	v.AddConfigPath("/etc/vocabdash")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	jobTimeout := v.GetDuration("job-timeout")
	if jobTimeout <= 0 {
		return errors.New("job timeout is required: set --job-timeout flag or VOCABDASH_JOB_TIMEOUT env var")
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	var m *metrics.Manager
	if v.GetBool("metrics") {
		m = metrics.New()
	}

	client, err := backend.New(v.GetString("backend-url"), &http.Client{Timeout: v.GetDuration("backend-timeout")}, m)
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}

	db, err := staging.NewSQLStore(v.GetString("staging-db"), v.GetDuration("staging-ttl"))
	if err != nil {
		return fmt.Errorf("open staging database: %w", err)
	}
	defer db.Close()

	hub, err := realtime.New(realtime.Config{
		Socket: socket.Config{
			URL:               v.GetString("socket-url"),
			Path:              v.GetString("socket-path"),
			Namespace:         v.GetString("socket-namespace"),
			Transports:        v.GetStringSlice("socket-transports"),
			ReconnectAttempts: v.GetInt("socket-reconnect-attempts"),
			ReconnectDelay:    v.GetDuration("socket-reconnect-delay"),
			Timeout:           v.GetDuration("socket-timeout"),
		},
		JobTimeout:  jobTimeout,
		IdleTimeout: v.GetDuration("idle-timeout"),
	}, nil, m)
	if err != nil {
		return fmt.Errorf("create notification hub: %w", err)
	}
	if !hub.Enabled() {
		slog.Warn("socket url not set, live updates disabled; result pages wait until the job timeout")
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h, err := handler.New(client, staging.New(db, m), hub, m, handler.Config{
		BasePath:       basePath,
		SecureCookies:  v.GetBool("secure-cookies"),
		StatusWait:     v.GetDuration("status-wait"),
		MaxUploadBytes: v.GetInt64("max-upload-bytes"),
		Cloudinary: handler.CloudinaryConfig{
			CloudName: v.GetString("cloudinary-cloud-name"),
			APIKey:    v.GetString("cloudinary-api-key"),
			APISecret: v.GetString("cloudinary-api-secret"),
			Folder:    v.GetString("cloudinary-folder"),
		},
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())

	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	if basePath != "" {
		r.Route(basePath, h.Routes)
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		h.Routes(r)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)
	go cleanupStaging(ctx, db, v.GetDuration("staging-ttl"))

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"backend_url", client.BaseURL(),
		"socket_url", v.GetString("socket-url"),
		"job_timeout", jobTimeout,
		"lang", lang,
		"base_path", basePath,
		"metrics", m != nil,
	)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// cleanupStaging removes expired staged exams until ctx is done.
func cleanupStaging(ctx context.Context, db *staging.SQLStore, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := db.Cleanup(ctx)
			if err != nil {
				slog.Error("staging cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired staged exams", "count", n)
			}
		}
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	token := v.GetString("token")
	if token == "" {
		return errors.New("session token is required: set --token flag or VOCABDASH_TOKEN env var")
	}

	outPath := v.GetString("output")
	format, err := exportFormat(v.GetString("format"), outPath)
	if err != nil {
		return err
	}

	client, err := backend.New(v.GetString("backend-url"), &http.Client{Timeout: v.GetDuration("backend-timeout")}, nil)
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}
	cookies := []*http.Cookie{{Name: backend.SessionCookies[0], Value: token}}
	data, _, err := client.ExportVocabs(cmd.Context(), cookies, v.GetString("language-folder"))
	if err != nil {
		return fmt.Errorf("export vocabulary: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := sheet.Convert(bytes.NewReader(data), sheet.CSV, w, format); err != nil {
		return fmt.Errorf("write %s: %w", format, err)
	}
	slog.Info("exported vocabulary", "language_folder", v.GetString("language-folder"), "format", format, "output", outPath)
	return nil
}

// exportFormat picks the explicit format, else the output file's extension,
// else CSV.
func exportFormat(explicit, outPath string) (sheet.Format, error) {
	if explicit != "" {
		return sheet.ParseFormat(explicit)
	}
	if outPath == "" || outPath == "-" {
		return sheet.CSV, nil
	}
	if f, err := sheet.FormatOf(outPath); err == nil {
		return f, nil
	}
	return sheet.CSV, nil
}
