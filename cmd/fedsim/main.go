// fedsim: Single-process federated training simulation
//
// Usage:
//
//	fedsim --clients=3 --rounds=25 --he=true --logN=14
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fedagg/aggregate"
	"fedagg/codec"
	"fedagg/core/ckkswrapper"
	"fedagg/model"
	"fedagg/round"
	"fedagg/trainer"
	"fedagg/utils"
)

var (
	numClients    = flag.Int("clients", 3, "Number of simulated clients")
	rounds        = flag.Int("rounds", 25, "Number of federated rounds")
	epochs        = flag.Int("epochs", 1, "Local epochs per round")
	learningRate  = flag.Float64("lr", 0.001, "Learning rate")
	batchSize     = flag.Int("batch", 128, "Mini-batch size")
	maxBatches    = flag.Int("max-batches", 50, "Max batches per epoch (0 = unlimited)")
	useHE         = flag.Bool("he", true, "Aggregate selected layers under CKKS encryption")
	heLayers      = flag.String("he-layers", trainer.WeightLayer, "Comma-separated layers to aggregate encrypted")
	logN          = flag.Int("logN", 14, "Ring dimension log2 (13-16)")
	features      = flag.Int("features", 32, "Feature dimension of the synthetic dataset")
	classes       = flag.Int("classes", 10, "Number of classes")
	samples       = flag.Int("samples", 2000, "Samples per client")
	seed          = flag.Int64("seed", 42, "Random seed")
	checkpointDir = flag.String("checkpoints", "", "Checkpoint directory (empty = no checkpoints)")
	roundTimeout  = flag.Duration("round-timeout", 5*time.Minute, "Per-round collection timeout")
	verbose       = flag.Bool("verbose", true, "Verbose output")
)

func main() {
	flag.Parse()
	utils.Verbose = *verbose

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Federated Aggregation Simulator              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nConfiguration:\n")
	fmt.Printf("  Clients:       %d\n", *numClients)
	fmt.Printf("  Rounds:        %d\n", *rounds)
	fmt.Printf("  Local Epochs:  %d\n", *epochs)
	fmt.Printf("  Learning Rate: %.4f\n", *learningRate)
	fmt.Printf("  Encrypted:     %v\n", *useHE)
	if *useHE {
		fmt.Printf("  HE Layers:     %s\n", *heLayers)
		fmt.Printf("  LogN:          %d\n", *logN)
	}
	fmt.Println()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	stats := &utils.TimingStats{}
	totalStart := time.Now()

	strategy, err := buildStrategy(logger, stats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Strategy setup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generating %d synthetic samples for each of %d clients...\n", *samples, *numClients)
	dataStart := time.Now()
	registry := round.NewRegistry()
	for i := 0; i < *numClients; i++ {
		data := trainer.SyntheticDataset(*seed+int64(i), *samples, *features, *classes)
		tr, err := trainer.New(fmt.Sprintf("client-%d", i), data, nil, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Client setup failed: %v\n", err)
			os.Exit(1)
		}
		registry.Register(tr)
	}
	stats.DataLoadingTime = time.Since(dataStart)

	cfg := round.Config{
		Rounds:              *rounds,
		MinFitClients:       *numClients,
		MinAvailableClients: *numClients,
		RoundTimeout:        *roundTimeout,
		LocalEpochs:         *epochs,
		LearningRate:        *learningRate,
		BatchSize:           *batchSize,
		MaxBatches:          *maxBatches,
		UseHE:               *useHE,
		CheckpointDir:       *checkpointDir,
	}
	global := trainer.NewLinearModel(*features, *classes)
	if hybrid, ok := strategy.(*aggregate.HEHybrid); ok {
		if err := hybrid.Selector.Validate(global); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --he-layers: %v\n", err)
			os.Exit(1)
		}
	}
	coord, err := round.NewCoordinator(cfg, global, strategy, registry, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Coordinator setup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("\nStarting session...")
	if err := coord.Run(ctx); err != nil {
		if errors.Is(err, round.ErrSessionCancelled) {
			fmt.Println("\nSession cancelled.")
			return
		}
		fmt.Fprintf(os.Stderr, "Session failed: %v\n", err)
		os.Exit(1)
	}
	stats.TotalTime = time.Since(totalStart)

	printHistory(coord.History(), stats)
	utils.PrintTimingStats(stats, *rounds)
}

func buildStrategy(logger *slog.Logger, stats *utils.TimingStats) (aggregate.Strategy, error) {
	if !*useHE {
		return &aggregate.PlainFedAvg{Logger: logger}, nil
	}

	fmt.Println("Initializing HE context...")
	heStart := time.Now()
	he := ckkswrapper.NewHeContextWithLogN(*logN)
	stats.HEInitTime = time.Since(heStart)
	fmt.Printf("HE initialization: %.2fs (%d slots per ciphertext)\n", stats.HEInitTime.Seconds(), he.MaxSlots())

	selector := model.NewLayerSelector(strings.Split(*heLayers, ",")...)
	return &aggregate.HEHybrid{
		Codec:    codec.New(he),
		Selector: selector,
		Logger:   logger,
	}, nil
}

func printHistory(history []model.RoundResult, stats *utils.TimingStats) {
	fmt.Println("\nRound history:")
	for _, r := range history {
		if r.Mode == model.ModeFailed {
			fmt.Printf("  round %3d  FAILED: %s\n", r.Round, r.Error)
			continue
		}
		fmt.Printf("  round %3d  mode=%s clients=%d loss=%.4f acc=%.4f (%v)\n",
			r.Round, r.Mode, r.NumClients, r.Loss, r.Accuracy, r.Elapsed.Round(time.Millisecond))
		stats.RoundTime += r.Elapsed
	}
}
