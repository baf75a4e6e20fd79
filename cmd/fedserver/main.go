// fedserver: Federated aggregation server
//
// Listens for training clients over TCP, drives the configured number of
// federated rounds, and writes per-round checkpoints plus the final model.
// Configured through the environment (a local .env file is honored).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"fedagg/aggregate"
	"fedagg/codec"
	"fedagg/core/ckkswrapper"
	"fedagg/model"
	"fedagg/progress"
	"fedagg/round"
	"fedagg/trainer"
	"fedagg/wire"
)

type config struct {
	Addr                string        `env:"FEDAGG_ADDR" envDefault:":8443"`
	Rounds              int           `env:"FEDAGG_ROUNDS" envDefault:"25"`
	MinFitClients       int           `env:"FEDAGG_MIN_FIT_CLIENTS" envDefault:"3"`
	MinAvailableClients int           `env:"FEDAGG_MIN_AVAILABLE_CLIENTS" envDefault:"3"`
	RoundTimeout        time.Duration `env:"FEDAGG_ROUND_TIMEOUT" envDefault:"10m"`
	LocalEpochs         int           `env:"FEDAGG_LOCAL_EPOCHS" envDefault:"1"`
	LearningRate        float64       `env:"FEDAGG_LEARNING_RATE" envDefault:"0.001"`
	BatchSize           int           `env:"FEDAGG_BATCH_SIZE" envDefault:"128"`
	MaxBatches          int           `env:"FEDAGG_MAX_BATCHES" envDefault:"50"`
	UseHE               bool          `env:"FEDAGG_USE_HE" envDefault:"true"`
	HELayers            string        `env:"FEDAGG_HE_LAYERS" envDefault:"fc.weight"`
	LogN                int           `env:"FEDAGG_LOG_N" envDefault:"14"`
	Features            int           `env:"FEDAGG_FEATURES" envDefault:"32"`
	Classes             int           `env:"FEDAGG_CLASSES" envDefault:"10"`
	CheckpointDir       string        `env:"FEDAGG_CHECKPOINT_DIR" envDefault:"checkpoints"`
	ResumeFrom          string        `env:"FEDAGG_RESUME_FROM"`
	ProgressURL         string        `env:"FEDAGG_PROGRESS_URL"`
	LogLevel            slog.Level    `env:"FEDAGG_LOG_LEVEL" envDefault:"info"`
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger = logger.With("session_id", uuid.NewString())

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	if cfg.CheckpointDir != "" {
		if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
			return fmt.Errorf("checkpoint dir: %w", err)
		}
	}

	strategy, err := buildStrategy(cfg, logger)
	if err != nil {
		return err
	}

	global := trainer.NewLinearModel(cfg.Features, cfg.Classes)
	if cfg.ResumeFrom != "" {
		r, resumed, err := model.LoadCheckpoint(cfg.ResumeFrom)
		if err != nil {
			return fmt.Errorf("resume from %s: %w", cfg.ResumeFrom, err)
		}
		global = resumed
		logger.Info("resumed global model from checkpoint", "path", cfg.ResumeFrom, "round", r)
	}
	if hybrid, ok := strategy.(*aggregate.HEHybrid); ok {
		// A selector naming a layer the model does not have is a config
		// error, fatal before any client connects.
		if err := hybrid.Selector.Validate(global); err != nil {
			return err
		}
	}

	registry := round.NewRegistry()
	coord, err := round.NewCoordinator(round.Config{
		Rounds:              cfg.Rounds,
		MinFitClients:       cfg.MinFitClients,
		MinAvailableClients: cfg.MinAvailableClients,
		RoundTimeout:        cfg.RoundTimeout,
		LocalEpochs:         cfg.LocalEpochs,
		LearningRate:        cfg.LearningRate,
		BatchSize:           cfg.BatchSize,
		MaxBatches:          cfg.MaxBatches,
		UseHE:               cfg.UseHE,
		CheckpointDir:       cfg.CheckpointDir,
	}, global, strategy, registry, logger)
	if err != nil {
		return err
	}
	if cfg.ProgressURL != "" {
		coord.SetReporter(progress.NewHTTPReporter(cfg.ProgressURL, logger))
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	logger.Info("listening for clients", "addr", listener.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		proxyMu sync.Mutex
		proxies []*wire.Proxy
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil // listener closed on shutdown
				}
				return fmt.Errorf("accept: %w", err)
			}
			proxy, err := admit(conn, func(id string) {
				// A dead connection must not keep counting toward client
				// availability; the client re-registers when it reconnects.
				registry.Unregister(id)
				logger.Info("client disconnected", "client", id)
			})
			if err != nil {
				logger.Warn("client rejected", "remote", conn.RemoteAddr().String(), "error", err.Error())
				conn.Close()
				continue
			}
			logger.Info("client registered", "client", proxy.ID(), "remote", conn.RemoteAddr().String())
			proxyMu.Lock()
			proxies = append(proxies, proxy)
			proxyMu.Unlock()
			registry.Register(proxy)
		}
	})
	g.Go(func() error {
		defer stop() // session end tears the listener down too
		return coord.Run(ctx)
	})

	err = g.Wait()

	proxyMu.Lock()
	for _, p := range proxies {
		p.Close()
	}
	proxyMu.Unlock()

	if errors.Is(err, round.ErrSessionCancelled) {
		logger.Info("session cancelled by operator")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("session finished",
		"rounds", cfg.Rounds,
		"final_state", coord.State().String(),
	)
	return nil
}

// admit reads the hello that opens every client connection.
func admit(conn net.Conn, onGone func(id string)) (*wire.Proxy, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	hello, err := wire.NewProtocol(conn, conn).ReceiveHello()
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	return wire.NewProxy(hello.ClientID, conn, onGone), nil
}

func buildStrategy(cfg config, logger *slog.Logger) (aggregate.Strategy, error) {
	if !cfg.UseHE {
		return &aggregate.PlainFedAvg{Logger: logger}, nil
	}

	start := time.Now()
	he, err := ckkswrapper.NewHeContextFromLiteral(ckkswrapper.DefaultLiteral(cfg.LogN))
	if err != nil {
		return nil, fmt.Errorf("he context: %w", err)
	}
	logger.Info("he context ready",
		"log_n", cfg.LogN,
		"slots", he.MaxSlots(),
		"elapsed", time.Since(start).String(),
	)

	return &aggregate.HEHybrid{
		Codec:    codec.New(he),
		Selector: model.NewLayerSelector(strings.Split(cfg.HELayers, ",")...),
		Logger:   logger,
	}, nil
}
