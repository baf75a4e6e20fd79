// Package round drives the federated round lifecycle: client selection,
// fit-instruction broadcast, result collection with quorum and timeout,
// aggregation, checkpointing, and advancing to the next round. Rounds are
// strictly sequential; within a round, selected clients train in parallel on
// independent copies of the global parameters.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fedagg/aggregate"
	"fedagg/model"
	"fedagg/progress"
)

// State is the coordinator's position in the round lifecycle.
type State int

const (
	StateConfiguring State = iota
	StateAwaitingResults
	StateAggregating
	StateCheckpointing
	StateRoundFailed
	StateSessionComplete
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "CONFIGURING"
	case StateAwaitingResults:
		return "AWAITING_RESULTS"
	case StateAggregating:
		return "AGGREGATING"
	case StateCheckpointing:
		return "CHECKPOINTING"
	case StateRoundFailed:
		return "ROUND_FAILED"
	case StateSessionComplete:
		return "SESSION_COMPLETE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrQuorumNotReached marks a round discarded for lack of client
	// responses. The session continues with a fresh selection.
	ErrQuorumNotReached = errors.New("quorum not reached")
	// ErrSessionCancelled is returned when the operator stops an in-flight
	// session. Partially-collected updates are discarded.
	ErrSessionCancelled = errors.New("session cancelled")
)

// ClientProxy is the coordinator's view of one training participant. The
// transport behind it (in-process, TCP, anything else) is outside the
// aggregation core's contract.
type ClientProxy interface {
	ID() string
	// Fit dispatches a fit instruction and blocks until the client returns
	// its update or ctx is done.
	Fit(ctx context.Context, ins *model.FitInstruction) (*model.ClientUpdate, error)
}

// Checkpoint and history artifact names, matching the session layout the
// backend expects.
const (
	checkpointPattern = "global_round_%d.json"
	finalModelFile    = "global_final.json"
	historyFile       = "fl_training_history.json"
)

// Config carries the session-level round parameters.
type Config struct {
	Rounds              int
	MinFitClients       int
	MinAvailableClients int
	RoundTimeout        time.Duration
	LocalEpochs         int
	LearningRate        float64
	BatchSize           int
	MaxBatches          int
	UseHE               bool
	// CheckpointDir, when set, receives per-round snapshots plus the final
	// model and round history artifacts.
	CheckpointDir string
	// PollInterval is how often CONFIGURING re-checks client availability.
	PollInterval time.Duration
}

// Validate reports configuration errors. These are fatal at session start
// and never retried.
func (c *Config) Validate() error {
	if c.Rounds <= 0 {
		return errors.New("rounds must be positive")
	}
	if c.MinFitClients <= 0 {
		return errors.New("min fit clients must be positive")
	}
	if c.MinAvailableClients < c.MinFitClients {
		return errors.New("min available clients cannot be below min fit clients")
	}
	if c.RoundTimeout <= 0 {
		return errors.New("round timeout must be positive")
	}
	if c.LocalEpochs <= 0 {
		return errors.New("local epochs must be positive")
	}
	return nil
}

// Coordinator owns the global model and the session round loop. The global
// parameter set is the only state mutated across round boundaries; it is
// guarded so no reader observes it mid-update.
type Coordinator struct {
	cfg      Config
	strategy aggregate.Strategy
	registry *Registry
	logger   *slog.Logger
	reporter progress.Reporter

	mu      sync.RWMutex
	global  *model.Parameters
	state   State
	round   int
	history []model.RoundResult
}

// NewCoordinator validates the configuration and builds a coordinator
// owning the given global parameters.
func NewCoordinator(cfg Config, global *model.Parameters, strategy aggregate.Strategy, registry *Registry, logger *slog.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid round config: %w", err)
	}
	if global == nil || global.NumLayers() == 0 {
		return nil, errors.New("global model is empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		strategy: strategy,
		registry: registry,
		logger:   logger,
		reporter: progress.Nop{},
		global:   global,
		state:    StateConfiguring,
	}, nil
}

// SetReporter installs a progress sink. Must be called before Run.
func (c *Coordinator) SetReporter(r progress.Reporter) {
	if r != nil {
		c.reporter = r
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Round returns the current round number (1-based; 0 before the first
// round starts).
func (c *Coordinator) Round() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.round
}

// GlobalSnapshot returns a deep copy of the global parameters. Safe to call
// concurrently with an in-flight round; the copy is taken atomically
// relative to aggregation commits.
func (c *Coordinator) GlobalSnapshot() *model.Parameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global.Clone()
}

// History returns a copy of the round-history records collected so far,
// including failed rounds, so a stalled session is observable.
func (c *Coordinator) History() []model.RoundResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.RoundResult(nil), c.history...)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes the configured number of rounds and persists the final model
// and round history. Returns ErrSessionCancelled if ctx is done mid-session;
// individual failed rounds do not abort the session.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("session starting",
		"rounds", c.cfg.Rounds,
		"min_fit_clients", c.cfg.MinFitClients,
		"strategy", c.strategy.Name(),
	)

	for r := 1; r <= c.cfg.Rounds; r++ {
		c.mu.Lock()
		c.round = r
		c.mu.Unlock()

		err := c.runRound(ctx, r)
		switch {
		case errors.Is(err, ErrSessionCancelled):
			return err
		case errors.Is(err, ErrQuorumNotReached), errors.Is(err, aggregate.ErrNoValidUpdates):
			// Round discarded, global model unchanged; retry with a fresh
			// selection next round.
			c.logger.Warn("round failed", "round", r, "error", err.Error())
			continue
		case err != nil:
			return fmt.Errorf("round %d: %w", r, err)
		}
	}

	if err := c.finishSession(); err != nil {
		return err
	}
	c.setState(StateSessionComplete)
	c.logger.Info("session complete", "rounds", c.cfg.Rounds)
	return nil
}

func (c *Coordinator) runRound(ctx context.Context, r int) error {
	start := time.Now()

	// CONFIGURING: block until enough clients are available.
	c.setState(StateConfiguring)
	selected, err := c.waitForClients(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("round configured", "round", r, "clients", len(selected))

	// AWAITING_RESULTS: dispatch in parallel, collect under the round
	// timeout.
	c.setState(StateAwaitingResults)
	updates, err := c.collectUpdates(ctx, r, selected)
	if err != nil {
		return err
	}

	// Quorum counts only updates that can actually contribute: a malformed
	// response is as absent as a missed deadline.
	snapshot := c.GlobalSnapshot()
	valid := updates[:0]
	for _, u := range updates {
		if err := u.Validate(snapshot); err != nil {
			c.logger.Warn("dropping invalid update", "round", r, "client", u.ClientID, "reason", err.Error())
			continue
		}
		valid = append(valid, u)
	}
	if len(valid) < c.cfg.MinFitClients {
		c.failRound(r, start, fmt.Sprintf("quorum not reached: %d of %d required valid updates", len(valid), c.cfg.MinFitClients))
		return ErrQuorumNotReached
	}

	// AGGREGATING: strategy is a pure function of the snapshot and the
	// validated updates.
	c.setState(StateAggregating)
	next, res, err := c.strategy.Aggregate(snapshot, valid)
	if err != nil {
		c.failRound(r, start, err.Error())
		return err
	}

	// CHECKPOINTING: commit the merged model atomically, then snapshot it.
	c.setState(StateCheckpointing)
	c.mu.Lock()
	c.global = next
	res.Round = r
	res.Elapsed = time.Since(start)
	c.history = append(c.history, *res)
	c.mu.Unlock()

	if c.cfg.CheckpointDir != "" {
		path := filepath.Join(c.cfg.CheckpointDir, fmt.Sprintf(checkpointPattern, r))
		if err := model.SaveCheckpoint(path, r, next); err != nil {
			// The in-memory model is already committed; a missing snapshot
			// only loses resumability for this round.
			c.logger.Error("checkpoint write failed", "round", r, "error", err.Error())
		}
	}

	c.reporter.Report(ctx, progress.Event{
		Round:    r,
		Phase:    "round_complete",
		Loss:     res.Loss,
		Accuracy: res.Accuracy,
		Message:  fmt.Sprintf("round %d aggregated %d clients in %s", r, res.NumClients, res.Elapsed.Round(time.Millisecond)),
	})
	c.logger.Info("round complete",
		"round", r,
		"mode", res.Mode,
		"clients", res.NumClients,
		"elapsed", res.Elapsed.String(),
	)
	return nil
}

// waitForClients polls the registry until at least MinAvailableClients are
// registered, honoring cancellation. Starting a doomed round is worse than
// waiting.
func (c *Coordinator) waitForClients(ctx context.Context) ([]ClientProxy, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		available := c.registry.Available()
		if len(available) >= c.cfg.MinAvailableClients {
			return available, nil
		}
		c.logger.Info("waiting for clients",
			"available", len(available),
			"required", c.cfg.MinAvailableClients,
		)
		select {
		case <-ctx.Done():
			return nil, ErrSessionCancelled
		case <-ticker.C:
		}
	}
}

// collectUpdates fans the fit instruction out to every selected client and
// gathers responses until all have answered or the round timeout elapses.
// Per-client failures are logged and excluded; they never abort the round
// here (quorum is judged by the caller).
func (c *Coordinator) collectUpdates(ctx context.Context, r int, selected []ClientProxy) ([]*model.ClientUpdate, error) {
	fitCtx, cancel := context.WithTimeout(ctx, c.cfg.RoundTimeout)
	defer cancel()

	results := make(chan *model.ClientUpdate, len(selected))
	g, fitCtx := errgroup.WithContext(fitCtx)
	for _, client := range selected {
		client := client
		g.Go(func() error {
			// Each client trains on its own copy of the global parameters.
			ins := &model.FitInstruction{
				Round:        r,
				Weights:      c.GlobalSnapshot(),
				LocalEpochs:  c.cfg.LocalEpochs,
				LearningRate: c.cfg.LearningRate,
				BatchSize:    c.cfg.BatchSize,
				MaxBatches:   c.cfg.MaxBatches,
				UseHE:        c.cfg.UseHE,
			}
			upd, err := client.Fit(fitCtx, ins)
			if err != nil {
				c.logger.Warn("client fit failed", "round", r, "client", client.ID(), "error", err.Error())
				return nil
			}
			results <- upd
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	// Operator cancellation discards everything collected so far; nothing
	// partial is ever committed.
	if ctx.Err() != nil {
		return nil, ErrSessionCancelled
	}

	updates := make([]*model.ClientUpdate, 0, len(selected))
	for upd := range results {
		updates = append(updates, upd)
	}
	return updates, nil
}

func (c *Coordinator) failRound(r int, start time.Time, reason string) {
	c.mu.Lock()
	c.state = StateRoundFailed
	c.history = append(c.history, model.RoundResult{
		Round:   r,
		Mode:    model.ModeFailed,
		Elapsed: time.Since(start),
		Error:   reason,
	})
	c.mu.Unlock()
}

// finishSession persists the final model snapshot and the full round
// history.
func (c *Coordinator) finishSession() error {
	if c.cfg.CheckpointDir == "" {
		return nil
	}
	c.mu.RLock()
	global := c.global.Clone()
	round := c.round
	history := append([]model.RoundResult(nil), c.history...)
	c.mu.RUnlock()

	if err := model.SaveCheckpoint(filepath.Join(c.cfg.CheckpointDir, finalModelFile), round, global); err != nil {
		return fmt.Errorf("final model snapshot: %w", err)
	}
	if err := model.SaveHistory(filepath.Join(c.cfg.CheckpointDir, historyFile), history); err != nil {
		return fmt.Errorf("round history: %w", err)
	}
	return nil
}
