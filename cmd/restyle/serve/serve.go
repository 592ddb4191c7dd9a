package servecmder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quietloudlab/designmewithme/pkg/logger"
	"github.com/quietloudlab/designmewithme/server"
)

const serveLongDesc string = `Run the restyling chat assistant.

Settings come from an optional TOML file; flags override it.
The gemini provider reads its key from --api-key or GEMINI_API_KEY.

Examples:
  restyle serve
  restyle serve --config restyle.toml --debug
  restyle serve --provider gemini --model gemini-2.0-flash --db ~/.restyle/restyle.db`

const serveShortDesc string = "Run the chat assistant server"

// shutdownTimeout bounds the wait for in-flight requests and runs.
const shutdownTimeout = 15 * time.Second

type serveCommander struct {
	configPath string

	listenAddr  string
	provider    string
	upstreamURL string
	model       string
	apiKey      string
	dbPath      string
	policyPath  string
	runTimeout  time.Duration
	sessionTTL  time.Duration
	debug       bool
	logFormat   string
}

func NewServeCmd() *cobra.Command {
	cmd, _ := newServeCmd()
	return cmd
}

func newServeCmd() (*cobra.Command, *serveCommander) {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := cmder.resolveConfig(cmd)
			if err != nil {
				return err
			}
			return cmder.run(cmd.Context(), config)
		},
	}

	defaults := server.DefaultConfig()
	flags := cmd.Flags()
	flags.StringVarP(&cmder.configPath, "config", "c", "", "Path to a TOML config file")
	flags.StringVarP(&cmder.listenAddr, "listen", "l", defaults.ListenAddr, "Address to listen on")
	flags.StringVar(&cmder.provider, "provider", defaults.Provider, "Generator provider (ollama, gemini)")
	flags.StringVarP(&cmder.upstreamURL, "upstream", "u", defaults.UpstreamURL, "Upstream Ollama URL")
	flags.StringVarP(&cmder.model, "model", "m", defaults.Model, "Upstream model name")
	flags.StringVar(&cmder.apiKey, "api-key", "", "Gemini API key")
	flags.StringVarP(&cmder.dbPath, "sqlite", "s", "", "Path to SQLite database (default: in-memory)")
	flags.StringVar(&cmder.policyPath, "policy", "", "Path to an allowlist policy TOML file")
	flags.DurationVar(&cmder.runTimeout, "run-timeout", defaults.RunTimeout.Duration, "How long a turn waits for the assistant")
	flags.DurationVar(&cmder.sessionTTL, "session-ttl", defaults.SessionTTL.Duration, "How long idle sessions are kept")
	flags.BoolVarP(&cmder.debug, "debug", "d", false, "Enable debug logging")
	flags.StringVar(&cmder.logFormat, "log-format", string(defaults.LogFormat), "Log format (console, json)")

	return cmd, cmder
}

// resolveConfig layers the config file (if any) under explicitly set flags.
func (c *serveCommander) resolveConfig(cmd *cobra.Command) (server.Config, error) {
	config := server.DefaultConfig()
	if c.configPath != "" {
		var err error
		config, err = server.LoadConfig(c.configPath)
		if err != nil {
			return server.Config{}, fmt.Errorf("could not load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		config.ListenAddr = c.listenAddr
	}
	if flags.Changed("provider") {
		config.Provider = c.provider
	}
	if flags.Changed("upstream") {
		config.UpstreamURL = c.upstreamURL
	}
	if flags.Changed("model") {
		config.Model = c.model
	}
	if flags.Changed("api-key") {
		config.APIKey = c.apiKey
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if flags.Changed("sqlite") {
		config.DBPath = c.dbPath
	}
	if flags.Changed("policy") {
		config.PolicyPath = c.policyPath
	}
	if flags.Changed("run-timeout") {
		config.RunTimeout = server.Duration{Duration: c.runTimeout}
	}
	if flags.Changed("session-ttl") {
		config.SessionTTL = server.Duration{Duration: c.sessionTTL}
	}
	if flags.Changed("debug") {
		config.Debug = c.debug
	}
	if flags.Changed("log-format") {
		config.LogFormat = logger.Format(c.logFormat)
	}

	if err := config.Validate(); err != nil {
		return server.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func (c *serveCommander) run(ctx context.Context, config server.Config) error {
	log := logger.NewLogger(config.Debug, config.LogFormat)
	defer func() { _ = log.Sync() }()

	log.Info("restyle server starting",
		zap.String("listen", config.ListenAddr),
		zap.String("provider", config.Provider),
		zap.String("model", config.Model),
		zap.Bool("debug", config.Debug),
	)

	srv, err := server.New(config, log)
	if err != nil {
		return fmt.Errorf("could not create server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Run(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return srv.Janitor(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
