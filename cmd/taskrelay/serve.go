package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/taskrelay/internal/api"
	"github.com/ricochet1k/taskrelay/internal/config"
	"github.com/ricochet1k/taskrelay/internal/logging"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/acp"
	"github.com/ricochet1k/taskrelay/internal/provider/claude"
	"github.com/ricochet1k/taskrelay/internal/provider/echo"
	"github.com/ricochet1k/taskrelay/internal/provider/gemini"
	"github.com/ricochet1k/taskrelay/internal/provider/openai"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
	"github.com/ricochet1k/taskrelay/internal/realtime"
	"github.com/ricochet1k/taskrelay/internal/router"
	"github.com/ricochet1k/taskrelay/internal/service"
)

var (
	serveConfig   string
	serveAddr     string
	serveLogLevel string
	serveLogJSON  bool
	serveProvider string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	Long: `Run the task server.

Configuration is read from --config (or TASKRELAY_CONFIG) over built-in
defaults. Flags given on the command line override file values.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := logging.Setup(os.Stderr, logging.Options{
			Level:   cfg.Logging.Level,
			Format:  cfg.Logging.Format,
			NoColor: cfg.Logging.NoColor,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logger)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveConfig, "config", "c", "", "path to the YAML config file")
	f.StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	f.StringVar(&serveLogLevel, "log-level", "", "debug, info, warn or error")
	f.BoolVar(&serveLogJSON, "log-json", false, "log as JSON")
	f.StringVar(&serveProvider, "provider", "", "default provider for new tasks")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if serveConfig != "" {
		cfg, err = config.LoadFile(serveConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = serveAddr
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = serveLogLevel
	}
	if f.Changed("log-json") && serveLogJSON {
		cfg.Logging.Format = logging.FormatJSON
	}
	if f.Changed("provider") {
		cfg.Orchestrator.DefaultProvider = serveProvider
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// server is the assembled process: adapters, router, orchestrator and the
// HTTP handler in front of them.
type server struct {
	mux     *provider.Mux
	router  *router.Router
	orch    *service.Orchestrator
	hub     *realtime.Hub
	handler *api.Handler
	closers []func() error
	logger  *slog.Logger
}

func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	store, err := transcript.NewStore(filepath.Join(cfg.DataDir, "transcripts"))
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}

	s := &server{logger: logger}
	if err := s.buildAdapters(ctx, cfg, store); err != nil {
		s.close()
		return nil, err
	}

	s.router = router.New(router.Config{
		Lookup:       s.mux,
		PollInterval: cfg.Router.PollInterval,
		Watch:        cfg.Router.Watch,
		Logger:       logger,
	})
	s.orch = service.New(service.Config{
		Router:          s.router,
		Adapters:        s.mux,
		DefaultProvider: cfg.Orchestrator.DefaultProvider,
		MaxTasks:        cfg.Orchestrator.MaxTasks,
		IdleTTL:         cfg.Orchestrator.IdleTTL,
		SweepInterval:   cfg.Orchestrator.SweepInterval,
		Logger:          logger,
	})
	s.hub = realtime.NewHub()
	s.handler = api.NewHandler(api.Config{
		Orchestrator:    s.orch,
		Router:          s.router,
		Hub:             s.hub,
		Providers:       s.mux.Names(),
		DefaultProvider: cfg.Orchestrator.DefaultProvider,
		AuthToken:       cfg.Server.AuthToken,
		PingInterval:    cfg.Server.PingInterval,
		ReplayLimit:     cfg.Server.ReplayLimit,
		Logger:          logger,
	})
	return s, nil
}

func (s *server) buildAdapters(ctx context.Context, cfg *config.Config, store *transcript.Store) error {
	p := cfg.Providers
	s.mux = provider.NewMux(echo.New(echo.Config{Store: store, Delay: p.Echo.Delay, Logger: s.logger}))

	if p.Claude.Enabled {
		s.mux.Register(claude.New(claude.Config{
			Command:     p.Claude.Command,
			ExtraArgs:   p.Claude.ExtraArgs,
			Environment: p.Claude.Environment,
			ProjectsDir: p.Claude.ProjectsDir,
			Logger:      s.logger,
		}))
	}
	if p.ACP.Command != "" {
		a, err := acp.New(acp.Config{
			Name:        p.ACP.Name,
			Command:     p.ACP.Command,
			Args:        p.ACP.Args,
			Environment: p.ACP.Environment,
			MCPServers:  p.ACP.MCPServers,
			IdleTimeout: p.ACP.IdleTimeout,
			Store:       store,
			Logger:      s.logger,
		})
		if err != nil {
			return fmt.Errorf("acp provider: %w", err)
		}
		s.closers = append(s.closers, a.Close)
		s.mux.Register(a)
	}
	if p.OpenAI.APIKey != "" {
		a, err := openai.New(openai.Config{
			APIKey:           p.OpenAI.APIKey,
			BaseURL:          p.OpenAI.BaseURL,
			Model:            p.OpenAI.Model,
			Instructions:     p.OpenAI.Instructions,
			ReasoningSummary: p.OpenAI.ReasoningSummary,
			MaxRetries:       p.OpenAI.MaxRetries,
			Store:            store,
			Logger:           s.logger,
		})
		if err != nil {
			return fmt.Errorf("openai provider: %w", err)
		}
		s.mux.Register(a)
	}
	if p.Gemini.APIKey != "" {
		a, err := gemini.New(ctx, gemini.Config{
			APIKey:            p.Gemini.APIKey,
			BaseURL:           p.Gemini.BaseURL,
			Model:             p.Gemini.Model,
			SystemInstruction: p.Gemini.SystemInstruction,
			IncludeThoughts:   p.Gemini.IncludeThoughts,
			Store:             store,
			Logger:            s.logger,
		})
		if err != nil {
			return fmt.Errorf("gemini provider: %w", err)
		}
		s.mux.Register(a)
	}
	return nil
}

// start runs the background loops until ctx ends.
func (s *server) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return ignoreCanceled(s.router.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(s.orch.Run(ctx)) })
}

// shutdown closes viewers, then stops runs, then stops agent processes.
func (s *server) shutdown(ctx context.Context) {
	s.hub.CloseAll()
	if err := s.orch.Shutdown(ctx); err != nil {
		s.logger.Warn("orchestrator shutdown incomplete", "err", err)
	}
	s.close()
}

func (s *server) close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.logger.Warn("close failed", "err", err)
		}
	}
	s.closers = nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	s.start(gctx, g)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Server.Addr, "providers", s.mux.Names(), "default", cfg.Orchestrator.DefaultProvider)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		s.shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
