// Command blocksyncd serves collaborative block documents over WebSockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samthor/blocksync/auth"
	"github.com/samthor/blocksync/config"
	"github.com/samthor/blocksync/room"
	"github.com/samthor/blocksync/server"
	"github.com/samthor/blocksync/store"
	"github.com/samthor/blocksync/transport"
	"github.com/spf13/pflag"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath string
		listen     string
		logLevel   string
		storeKind  string
	)
	pflag.StringVarP(&configPath, "config", "c", os.Getenv("BLOCKSYNC_CONFIG"), "path to YAML config file")
	pflag.StringVar(&listen, "listen", "", "address to listen on, overrides config")
	pflag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error, overrides config")
	pflag.StringVar(&storeKind, "store", "", "memory, postgres or redis, overrides config")
	pflag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if storeKind != "" {
		cfg.Store.Kind = storeKind
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (s store.Store, closer func(), err error) {
	switch cfg.Kind {
	case config.StorePostgres:
		p, err := store.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case config.StoreRedis:
		r, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	}
	return store.NewMemory(), func() {}, nil
}

func verifierFor(cfg config.AuthConfig) auth.Verifier {
	if cfg.Mode == config.AuthTokens {
		return auth.Tokens(cfg.Tokens)
	}
	return auth.Dev{}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	snapshots, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer closeStore()

	reg := room.New(room.Options{
		Snapshots:   snapshots,
		SaveOnClose: cfg.Rooms.SaveOnClose,
		Shards:      cfg.Rooms.Shards,
		MaxLag:      cfg.Rooms.MaxLag,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{documentId}", server.NewHandler(server.Options{
		Registry: reg,
		Verifier: verifierFor(cfg.Auth),
		Socket: transport.SocketOpts{
			MaxPacketSize:   cfg.Socket.MaxPacketSize,
			InMessageBuffer: cfg.Socket.InMessageBuffer,
			RateLimit:       cfg.Socket.RateLimit,
			RateBurst:       cfg.Socket.RateBurst,
			PingEvery:       cfg.Socket.PingEvery,
			WriteTimeout:    cfg.Socket.WriteTimeout,
			OriginPatterns:  cfg.Socket.OriginPatterns,
		},
		Logger: logger,
	}))
	mux.Handle("GET /rooms", server.RoomsHandler(reg))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /documents", func(w http.ResponseWriter, r *http.Request) {
		ids, err := snapshots.List(r.Context())
		if err != nil {
			logger.Error("list documents", "err", err)
			http.Error(w, "could not list documents", http.StatusInternalServerError)
			return
		}
		server.WriteJSON(w, ids)
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen, "store", cfg.Store.Kind, "env", cfg.Environment)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// sockets are hijacked, so the registry closes them; then rooms save
		httpErr := srv.Shutdown(shutdownCtx)
		regErr := reg.Shutdown(shutdownCtx)
		return errors.Join(httpErr, regErr)
	})
	return g.Wait()
}
