// fedclient: Federated training client
//
// Connects to the aggregation server, announces itself, then answers fit
// instructions with locally-trained weights until the server signals the
// session is done. Configured through the environment (a local .env file is
// honored).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"fedagg/progress"
	"fedagg/trainer"
	"fedagg/wire"
)

type config struct {
	ServerAddr  string        `env:"FEDAGG_SERVER_ADDR" envDefault:"localhost:8443"`
	ClientID    string        `env:"FEDAGG_CLIENT_ID"`
	DialTimeout time.Duration `env:"FEDAGG_DIAL_TIMEOUT" envDefault:"10s"`
	Samples     int           `env:"FEDAGG_SAMPLES" envDefault:"2000"`
	Features    int           `env:"FEDAGG_FEATURES" envDefault:"32"`
	Classes     int           `env:"FEDAGG_CLASSES" envDefault:"10"`
	Seed        int64         `env:"FEDAGG_SEED" envDefault:"1"`
	ProgressURL string        `env:"FEDAGG_PROGRESS_URL"`
	LogLevel    slog.Level    `env:"FEDAGG_LOG_LEVEL" envDefault:"info"`
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger = logger.With("client", cfg.ClientID)

	if err := run(cfg, logger); err != nil {
		logger.Error("client exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	var reporter progress.Reporter = progress.Nop{}
	if cfg.ProgressURL != "" {
		reporter = progress.NewHTTPReporter(cfg.ProgressURL, logger)
	}

	data := trainer.SyntheticDataset(cfg.Seed, cfg.Samples, cfg.Features, cfg.Classes)
	tr, err := trainer.New(cfg.ClientID, data, reporter, logger)
	if err != nil {
		return err
	}
	logger.Info("dataset ready", "samples", data.Len(), "features", data.Features(), "classes", data.NumClasses)

	conn, err := net.DialTimeout("tcp", cfg.ServerAddr, cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// Closing the connection unblocks the receive loop on shutdown.
		<-ctx.Done()
		conn.Close()
	}()

	proto := wire.NewProtocol(conn, conn)
	if err := proto.SendHello(cfg.ClientID); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	logger.Info("registered with server", "addr", cfg.ServerAddr)

	for {
		ins, err := proto.ReceiveFit()
		if errors.Is(err, io.EOF) {
			logger.Info("session complete")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			return fmt.Errorf("receive fit: %w", err)
		}

		logger.Info("training", "round", ins.Round, "epochs", ins.LocalEpochs)
		upd, err := tr.Fit(ctx, ins)
		if err != nil {
			// Tell the server instead of silently dropping out of the round.
			_ = proto.SendError(err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err := proto.SendUpdate(upd); err != nil {
			return fmt.Errorf("send update: %w", err)
		}
		logger.Info("update sent",
			"round", ins.Round,
			"samples", upd.NumSamples,
			"loss", upd.Loss,
			"accuracy", upd.Accuracy,
			"elapsed", upd.TrainingTime.String(),
		)
	}
}
