// Command relayd runs the delivery layer as a standalone daemon exposing a
// websocket endpoint. Clients connect, identify their principal, and receive
// at-least-once delivery of everything emitted to them, online or not.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/relaycore"
	"github.com/bft-labs/relaycore/internal/adapters/redisstore"
	wsadapter "github.com/bft-labs/relaycore/internal/adapters/ws"
	"github.com/bft-labs/relaycore/internal/cliconfig"
	"github.com/bft-labs/relaycore/pkg/log"
)

var longHelp = strings.TrimSpace(`
relayd is a reliable real-time delivery daemon.

Applications emit events addressed to a principal; relayd delivers them over
live websocket connections with acknowledgment tracking and bounded retry,
queues them while the principal is offline, and mirrors queued envelopes to
Redis so a restart loses nothing.
`)

var exampleUsage = strings.TrimSpace(`
  relayd --listen :7380 --redis-addr localhost:6379
  relayd --config $HOME/.relayd/config.toml --log-level debug
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:     "relayd",
		Short:   "Reliable real-time delivery daemon",
		Long:    longHelp,
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			// Build set of changed flags; explicit flags win over file and env.
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg, cfgFile)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.relayd/config.toml)")
	root.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	root.Flags().StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "websocket endpoint path")
	root.Flags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the durable mirror (empty runs memory-only)")
	root.Flags().StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	root.Flags().IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")

	root.Flags().DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "time to wait for an ack before retrying")
	root.Flags().IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retransmissions per envelope before giving up")
	root.Flags().DurationVar(&cfg.RetryBase, "retry-base", cfg.RetryBase, "base retry delay")
	root.Flags().Float64Var(&cfg.RetryMultiplier, "retry-multiplier", cfg.RetryMultiplier, "retry delay growth factor")
	root.Flags().DurationVar(&cfg.RetryCap, "retry-cap", cfg.RetryCap, "maximum retry delay")
	root.Flags().DurationVar(&cfg.DefaultTTL, "default-ttl", cfg.DefaultTTL, "default envelope time-to-live")

	root.Flags().DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "liveness probe interval")
	root.Flags().DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "silence tolerated before force-closing a connection")
	root.Flags().DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-write transport timeout")

	root.Flags().IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "pending queue length per principal")
	root.Flags().DurationVar(&cfg.MirrorTTL, "mirror-ttl", cfg.MirrorTTL, "expiry of durably mirrored envelopes")
	root.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown budget")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func run(cfg cliconfig.Config, cfgFile string) error {
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	logger := log.NewZerologAdapterWithLogger(zl)

	opts := []relaycore.Option{relaycore.WithLogger(logger)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		store := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		defer store.Close()
		opts = append(opts, relaycore.WithStore(store))
		logger.Info("durable mirror enabled", log.String("redis_addr", cfg.RedisAddr))
	} else {
		logger.Warn("no redis configured, queued envelopes will not survive a restart")
	}

	srv, err := relaycore.New(relaycore.Config{
		AckTimeout:        cfg.AckTimeout,
		MaxRetries:        cfg.MaxRetries,
		RetryBase:         cfg.RetryBase,
		RetryMultiplier:   cfg.RetryMultiplier,
		RetryCap:          cfg.RetryCap,
		DefaultTTL:        cfg.DefaultTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		QueueCapacity:     cfg.QueueCapacity,
		MirrorTTL:         cfg.MirrorTTL,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// Live-reload of the dynamic settings when the config file changes.
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		watcher := cliconfig.NewWatcher(cfgFile, 100*time.Millisecond,
			cliconfig.Reload{LogLevel: cfg.LogLevel, QueueCapacity: cfg.QueueCapacity},
			func(r cliconfig.Reload) {
				zerolog.SetGlobalLevel(parseLevel(r.LogLevel))
				srv.SetQueueCapacity(r.QueueCapacity)
			}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher disabled", log.Err(err))
		} else {
			defer watcher.Stop()
		}
	}

	upgrader := websocket.Upgrader{
		// Origin policy is the reverse proxy's concern in this deployment.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", log.Err(err))
			return
		}
		conn := wsadapter.NewConn(wsConn)
		srv.ConnectionOpened(conn.ID(), conn)
		logger.Debug("connection opened",
			log.String("connection_id", conn.ID()),
			log.String("remote_addr", r.RemoteAddr))
		go wsadapter.Pump(ctx, srv, conn, logger)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if srv.State() != relaycore.StateRunning {
			http.Error(w, srv.State().String(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			log.String("addr", cfg.ListenAddr),
			log.String("ws_path", cfg.WSPath))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, stopping", log.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("listener failed", log.Err(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", log.Err(err))
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}
