package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examgrader/internal/evaluator"
	"github.com/pavelanni/examgrader/internal/grading"
	"github.com/pavelanni/examgrader/internal/handler"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/llm"
	"github.com/pavelanni/examgrader/internal/llm/prompts"
	"github.com/pavelanni/examgrader/internal/model"
	"github.com/pavelanni/examgrader/internal/store"
	"github.com/pavelanni/examgrader/internal/throttle"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examgrader",
		Short: "Exam answer evaluation service",
	}

	serve := serveCmd()
	root.AddCommand(serve, publishCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examgrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "examgrader.db", "SQLite database path or PostgreSQL DSN")
	f.String("lang", "en", "Message language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":3000", "HTTP listen address (PORT overrides the port when set)")
	f.String("evaluator", "http", "Scoring backend (http, llm)")
	f.String("evaluator-url", "http://localhost:5000/evaluate", "Scoring service endpoint")
	f.Duration("evaluator-timeout", evaluator.DefaultTimeout, "Timeout for one scoring attempt")
	f.Int("evaluator-retries", evaluator.DefaultRetries, "Retries after a temporary scoring failure")
	f.Duration("evaluator-backoff", evaluator.DefaultBackoff, "Delay before the first retry, doubled after each")
	f.Duration("throttle-interval", throttle.DefaultInterval, "Minimum spacing between scoring calls (0 disables)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "LLM grading prompt variant (strict, standard, lenient)")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.String("instructor-password", "", "Password guarding instructor endpoints (empty leaves them open)")
	f.StringSlice("exams", nil, "Exam JSON files to publish at startup (repeatable)")
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish FILE...",
		Short: "Publish exams from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPublish,
	}
	addStoreFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an exam with every student's evaluations as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.String("exam-id", "", "Exam to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func setupLogging(v *viper.Viper) {
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

	v.SetEnvPrefix("EXAMGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "PORT")

	v.SetConfigName("examgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examgrader")
	v.AddConfigPath("/etc/examgrader")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup reads configuration, configures logging and i18n, and opens the store.
func setup(ctx context.Context, cmd *cobra.Command) (*viper.Viper, *store.Store, error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return nil, nil, fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(ctx, store.Driver(v.GetString("db-driver")), v.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return v, db, nil
}

// listenAddr applies the PORT variable, if set, to the configured address.
func listenAddr(v *viper.Viper) string {
	addr := v.GetString("addr")
	if port := v.GetString("port"); port != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		return host + ":" + port
	}
	return addr
}

func newEvaluator(ctx context.Context, v *viper.Viper) (grading.Evaluator, error) {
	switch backend := strings.ToLower(v.GetString("evaluator")); backend {
	case "http":
		url := v.GetString("evaluator-url")
		if url == "" {
			return nil, fmt.Errorf("evaluator-url is required for the http evaluator")
		}
		slog.Info("using HTTP scorer", "url", url)
		return evaluator.New(url,
			evaluator.WithTimeout(v.GetDuration("evaluator-timeout")),
			evaluator.WithRetry(v.GetInt("evaluator-retries"), v.GetDuration("evaluator-backoff")),
		), nil
	case "llm":
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !prompts.IsValidVariant(variant) {
			slog.Warn("invalid prompt-variant, using standard", "variant", variant)
			variant = string(prompts.PromptStandard)
		}
		client, err := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"), variant)
		if err != nil {
			return nil, fmt.Errorf("create LLM client: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"), "variant", variant)
		return client, nil
	default:
		return nil, fmt.Errorf("unknown evaluator %q (want http or llm)", backend)
	}
}

func newRouter(h *handler.Handler, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(appI18n.Middleware)
	h.Routes(r)
	return r
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, db, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	pub := grading.NewPublisher(db)
	if err := importExams(ctx, pub, v.GetStringSlice("exams")); err != nil {
		return fmt.Errorf("import exams: %w", err)
	}

	ev, err := newEvaluator(ctx, v)
	if err != nil {
		return err
	}

	cfg := model.ServiceConfig{
		CORSOrigins: v.GetStringSlice("cors-origins"),
	}
	if pw := v.GetString("instructor-password"); pw != "" {
		hash, err := handler.HashPassword(pw)
		if err != nil {
			return fmt.Errorf("hash instructor password: %w", err)
		}
		cfg.InstructorPasswordHash = hash
	} else {
		slog.Warn("instructor endpoints are not password protected")
	}

	th := throttle.New(v.GetDuration("throttle-interval"))
	h := handler.New(handler.Services{
		Publisher:   pub,
		Coordinator: grading.NewCoordinator(db, ev, th),
		Aggregator:  grading.NewAggregator(db),
		Queries:     grading.NewQueries(db),
		Health:      db,
	}, cfg)

	srv := &http.Server{
		Addr:              listenAddr(v),
		Handler:           newRouter(h, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", srv.Addr,
		"db_driver", v.GetString("db-driver"),
		"evaluator", v.GetString("evaluator"),
		"throttle_interval", th.Interval(),
		"lang", v.GetString("lang"),
		"cors_origins", cfg.CORSOrigins,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// importExams publishes each exam file once; files whose content has not
// changed since their last import are skipped.
func importExams(ctx context.Context, pub *grading.Publisher, paths []string) error {
	for _, path := range paths {
		if _, err := importExamFile(ctx, pub, path); err != nil {
			return err
		}
	}
	return nil
}

// importExamFile imports one exam file keyed by its absolute path.
func importExamFile(ctx context.Context, pub *grading.Publisher, path string) (grading.ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return grading.ImportResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	res, err := pub.Import(ctx, abs, data)
	if err != nil {
		return grading.ImportResult{}, fmt.Errorf("import %s: %w", path, err)
	}
	return res, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, db, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	pub := grading.NewPublisher(db)
	out := cmd.OutOrStdout()
	for _, path := range args {
		res, err := importExamFile(ctx, pub, path)
		if err != nil {
			return err
		}
		if res.Duplicate {
			fmt.Fprintf(out, "%s\t%s\n", path, appI18n.T(ctx, "ExamAlreadyImported"))
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", path, res.ExamID, appI18n.Tp(ctx, "QuestionsPublished", len(res.QuestionIDs)))
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	v, db, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportExam(ctx, v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
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

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	fmt.Fprintln(cmd.ErrOrStderr(), appI18n.Tp(ctx, "ResultsExported", len(export.Results)))
	return nil
}
