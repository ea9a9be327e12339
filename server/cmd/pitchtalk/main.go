package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"pitchtalk/server/internal/api"
	"pitchtalk/server/internal/compliance"
	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/domain"
	"pitchtalk/server/internal/llm"
	"pitchtalk/server/internal/logger"
	"pitchtalk/server/internal/scoring"
	"pitchtalk/server/internal/session"
	"pitchtalk/server/internal/store"
	"pitchtalk/server/internal/supervisor"
	"pitchtalk/server/internal/tracer"
)

// Options 是命令行参数，由 go-flags 解析。命令行的值覆盖配置文件。
type Options struct {
	Config   string `short:"c" long:"config" description:"config YAML path"`
	Addr     string `short:"a" long:"addr" description:"http listen address"`
	Personas string `short:"p" long:"personas" description:"personas YAML path"`
	DB       string `long:"db" description:"sqlite database path, \":memory:\" keeps records in memory"`
	EnvFile  string `long:"env-file" default:".env" description:"dotenv file loaded before reading config"`
}

func main() {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pitchtalk: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *Options) error {
	// 本地开发时 OPENAI_API_KEY 等敏感信息放在 .env，文件不存在时忽略。
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Personas != "" {
		cfg.Paths.Personas = opts.Personas
	}
	if opts.DB != "" {
		cfg.Storage.Path = opts.DB
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Init(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	repo, err := store.Open(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer repo.Close()

	personas, err := domain.LoadPersonas(cfg.Paths.Personas)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	client, err := llm.NewClient(cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	strategy, err := compliance.ParseStrategy(cfg.Compliance.Strategy)
	if err != nil {
		return err
	}
	scanner, err := compliance.NewScanner(cfg.Compliance.Rules, strategy)
	if err != nil {
		return fmt.Errorf("compile compliance rules: %w", err)
	}

	server := api.NewServer(cfg, personas, session.Deps{
		Evaluator:  supervisor.NewLLMEvaluator(client, cfg.Supervisor, log),
		Scorer:     scoring.NewScorer(client, scanner, cfg.Scoring, log),
		Scanner:    scanner,
		Repository: repo,
		Logger:     log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("pitchtalk server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Int("personas", len(personas.IDs())),
			zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先让进行中的会话写完报告，再关闭监听与存储。
	if err := server.Registry().Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions did not finish before shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
	return nil
}
