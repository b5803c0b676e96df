// Package demo hosts the glucose generator: it backfills history into the
// store, keeps a live reading stream going, and serves the stored data over
// HTTP.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nocturne/demo-engine/internal/config"
	"github.com/nocturne/demo-engine/internal/metrics"
	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/scenario"
	"github.com/nocturne/demo-engine/internal/store"
	"github.com/nocturne/demo-engine/internal/trajectory"
)

var (
	// ErrAlreadyRunning is returned by Start while live mode is active.
	ErrAlreadyRunning = errors.New("demo generator already running")
	// ErrNotRunning is returned by Stop when live mode is not active.
	ErrNotRunning = errors.New("demo generator not running")
)

// State is the hosting state of the generator.
type State string

const (
	StateStopped   State = "stopped"
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
)

var allStates = []string{string(StateStopped), string(StateRunning), string(StateUnhealthy)}

// Record modes for the readings counter.
const (
	modeHistorical = "historical"
	modeLive       = "live"
)

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the trajectory runner and moves its output into the store.
// State changes are guarded by mu; runner access is serialized by genMu so
// a backfill and a live tick never step the same runner.
type Service struct {
	cfg   config.DemoConfig
	store store.Store
	wsHub *WSHub // optional
	now   func() time.Time

	mu      sync.Mutex
	state   State
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
	last    *model.Entry
	seed    int64

	genMu   sync.Mutex
	runner  *trajectory.Runner
	pending batch       // live records not yet written
	unsent  []WSMessage // broadcasts held back with pending
}

// NewService creates a generator service in the stopped state.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(cfg config.DemoConfig, st store.Store, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		store: st,
		wsHub: hub,
		now:   time.Now,
		state: StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seed = s.pickSeed()
	metrics.SetState(string(s.state), allStates)
	return s
}

func (s *Service) pickSeed() int64 {
	if s.cfg.Seed != 0 {
		return s.cfg.Seed
	}
	return s.now().UnixNano()
}

// Seed returns the seed of the current run.
func (s *Service) Seed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed
}

// newRunner starts a fresh trajectory at the day containing from.
// Callers hold genMu.
func (s *Service) newRunner(from time.Time) *trajectory.Runner {
	seed := s.Seed()
	r := trajectory.NewRunner(s.cfg.Baseline(), scenario.NewRand(seed), from)
	r.SetIDSpace(model.NewIDSpace(seed))
	return r
}

// State returns the current hosting state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.mu.Unlock()
	metrics.SetState(string(state), allStates)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgState, State: state})
	}
}

// Summary reports what a backfill produced.
type Summary struct {
	Seed       int64         `json:"seed"`
	Days       int           `json:"days"`
	Entries    int           `json:"entries"`
	Treatments int           `json:"treatments"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// batch buffers records until BatchSize of them are ready to write.
type batch struct {
	entries    []model.Entry
	treatments []model.Treatment
}

func (b *batch) size() int { return len(b.entries) + len(b.treatments) }

func (s *Service) batchSize() int {
	if s.cfg.BatchSize <= 0 {
		return 2000
	}
	return s.cfg.BatchSize
}

// flush writes b to the store in chunks of at most BatchSize records.
// Records leave b only once written, so after a failure b holds exactly
// what is still unwritten. Inserts ignore known ids, which makes a retry
// of a half-written chunk safe.
func (s *Service) flush(ctx context.Context, b *batch, mode string) error {
	for b.size() > 0 {
		ne := min(len(b.entries), s.batchSize())
		nt := min(len(b.treatments), s.batchSize()-ne)
		if err := s.write(ctx, b.entries[:ne], b.treatments[:nt], mode); err != nil {
			return err
		}
		b.entries = b.entries[ne:]
		b.treatments = b.treatments[nt:]
	}
	return nil
}

// write stores one chunk. A failed write marks the service unhealthy.
func (s *Service) write(ctx context.Context, entries []model.Entry, treatments []model.Treatment, mode string) error {
	start := time.Now()
	err := s.store.InsertEntries(ctx, entries)
	if err == nil {
		err = s.store.InsertTreatments(ctx, treatments)
	}
	metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BatchWriteErrors.Inc()
		err = fmt.Errorf("write %s batch of %d records: %w", mode, len(entries)+len(treatments), err)
		s.setState(StateUnhealthy, err)
		slog.Error("batch write failed", "mode", mode, "err", err)
		return err
	}

	metrics.ReadingsTotal.WithLabelValues(mode).Add(float64(len(entries)))
	for _, t := range treatments {
		metrics.TreatmentsTotal.WithLabelValues(t.EventType).Inc()
	}
	if n := len(entries); n > 0 {
		s.noteReading(entries[n-1])
	}
	return nil
}

func (s *Service) noteReading(e model.Entry) {
	s.mu.Lock()
	if s.last == nil || e.Date >= s.last.Date {
		s.last = &e
	}
	s.mu.Unlock()
	metrics.CurrentGlucose.Set(float64(e.SGV))
}

// add appends records, flushing whenever the buffer is full.
func (s *Service) add(ctx context.Context, b *batch, mode string, entries []model.Entry, treatments []model.Treatment) error {
	for _, e := range entries {
		b.entries = append(b.entries, e)
		if b.size() >= s.batchSize() {
			if err := s.flush(ctx, b, mode); err != nil {
				return err
			}
		}
	}
	for _, t := range treatments {
		b.treatments = append(b.treatments, t)
		if b.size() >= s.batchSize() {
			if err := s.flush(ctx, b, mode); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateHistoricalData simulates HistoryDays whole days ending at today's
// midnight, then the ticks of today up to now, and writes them in batches.
// Demo records already in the store, for instance from before a restart,
// are deleted first so two trajectories never mix. It starts a fresh
// runner, so the same seed and clock reproduce the same records. Live mode
// must be stopped.
func (s *Service) GenerateHistoricalData(ctx context.Context) (Summary, error) {
	if s.State() == StateRunning {
		return Summary{}, ErrAlreadyRunning
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	ne, nt, err := s.store.CountBySource(ctx, model.DemoSource)
	if err != nil {
		return Summary{}, fmt.Errorf("historical backfill: count demo data: %w", err)
	}
	if ne+nt > 0 {
		slog.Info("replacing stored demo data", "entries", ne, "treatments", nt)
		if _, _, err := s.ClearData(ctx); err != nil {
			return Summary{}, fmt.Errorf("historical backfill: %w", err)
		}
	}
	s.pending = batch{}
	s.unsent = nil

	started := time.Now()
	now := s.now()
	days := s.cfg.HistoryDays
	from := scenario.StartOfDay(now).AddDate(0, 0, -days)
	s.runner = s.newRunner(from)

	sum := Summary{Seed: s.Seed(), Days: days}
	b := &batch{}

	slog.Info("historical backfill started", "days", days, "from", from.Format(time.DateOnly), "seed", sum.Seed)

	err = s.runner.RunDays(ctx, days, func(res trajectory.Result) error {
		metrics.DaysSimulated.WithLabelValues(res.Plan.Scenario.String()).Inc()
		sum.Entries += len(res.Readings)
		sum.Treatments += len(res.Treatments)
		return s.add(ctx, b, modeHistorical, res.Readings, res.Treatments)
	})
	if err == nil {
		_, err = s.runner.StepUntil(now, func(e model.Entry, ts []model.Treatment) error {
			sum.Entries++
			sum.Treatments += len(ts)
			return s.add(ctx, b, modeHistorical, []model.Entry{e}, ts)
		})
	}
	if err == nil {
		err = s.flush(ctx, b, modeHistorical)
	}
	sum.Elapsed = time.Since(started)
	if err != nil {
		if !errors.Is(err, context.Canceled) && s.State() != StateUnhealthy {
			s.setState(StateUnhealthy, err)
		}
		return sum, fmt.Errorf("historical backfill: %w", err)
	}

	slog.Info("historical backfill complete",
		"days", days,
		"entries", sum.Entries,
		"treatments", sum.Treatments,
		"elapsed", sum.Elapsed.String(),
	)
	return sum, nil
}

// Start begins live mode: every interval the runner is stepped up to the
// current time and the new records are written and broadcast. Without a
// prior backfill the stream starts at today's midnight. Start also
// recovers an unhealthy service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	prevCancel, prevDone := s.cancel, s.done
	s.mu.Unlock()

	// A loop that died on a write error has returned but still holds its
	// context.
	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.state = StateRunning
	s.mu.Unlock()

	s.setState(StateRunning, nil)
	slog.Info("live mode started", "interval", s.cfg.Interval().String(), "seed", s.Seed())

	go s.live(loopCtx, done)
	return nil
}

// Stop ends live mode and waits for the in-flight tick to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.setState(StateStopped, nil)
	slog.Info("live mode stopped")
	return nil
}

func (s *Service) live(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := s.cfg.Interval()
	if interval <= 0 {
		interval = trajectory.Tick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.liveTick(ctx); err != nil {
			if ctx.Err() == nil {
				slog.Error("live tick failed", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// liveTick emits every reading due by now. Records from a tick whose write
// failed stay pending and are written, then broadcast, ahead of the new
// ones.
func (s *Service) liveTick(ctx context.Context) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	now := s.now()
	if s.runner == nil {
		s.runner = s.newRunner(now)
	}

	_, err := s.runner.StepUntil(now, func(e model.Entry, ts []model.Treatment) error {
		s.pending.entries = append(s.pending.entries, e)
		s.pending.treatments = append(s.pending.treatments, ts...)
		s.unsent = append(s.unsent, WSMessage{Type: MsgReading, Entry: &e, Treatments: ts})
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.flush(ctx, &s.pending, modeLive); err != nil {
		return err
	}

	emitted := s.unsent
	s.unsent = nil
	if s.wsHub != nil {
		for _, msg := range emitted {
			s.wsHub.Broadcast(msg)
		}
	}
	if n := len(emitted); n > 0 {
		slog.Debug("live readings written", "count", n, "sgv", emitted[n-1].Entry.SGV)
	}
	return nil
}

// Regenerate stops live mode if needed, deletes every demo record,
// reruns the backfill with a fresh seed (unless one is configured) and
// resumes live mode if it was running.
func (s *Service) Regenerate(ctx context.Context) (Summary, error) {
	wasRunning := s.State() == StateRunning
	if wasRunning {
		if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			return Summary{}, err
		}
	}

	if _, _, err := s.ClearData(ctx); err != nil {
		return Summary{}, err
	}

	s.mu.Lock()
	s.seed = s.pickSeed()
	s.mu.Unlock()

	sum, err := s.GenerateHistoricalData(ctx)
	if err != nil {
		return sum, err
	}
	if wasRunning {
		if err := s.Start(ctx); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// ClearData removes every demo record from the store. Real data from
// other sources is untouched.
func (s *Service) ClearData(ctx context.Context) (entries, treatments int64, err error) {
	entries, treatments, err = s.store.DeleteBySource(ctx, model.DemoSource)
	if err != nil {
		return 0, 0, fmt.Errorf("clear demo data: %w", err)
	}
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	slog.Info("demo data cleared", "entries", entries, "treatments", treatments)
	return entries, treatments, nil
}

// Status is the JSON body of GET /api/v1/demo/status.
type Status struct {
	State           State        `json:"state"`
	Enabled         bool         `json:"enabled"`
	Seed            int64        `json:"seed"`
	HistoryDays     int          `json:"history_days"`
	IntervalMinutes int          `json:"interval_minutes"`
	Entries         int64        `json:"entries"`
	Treatments      int64        `json:"treatments"`
	LastReading     *model.Entry `json:"last_reading,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
}

// Status reports the hosting state and how much demo data is stored.
func (s *Service) Status(ctx context.Context) (Status, error) {
	ne, nt, err := s.store.CountBySource(ctx, model.DemoSource)
	if err != nil {
		return Status{}, fmt.Errorf("count demo data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:           s.state,
		Enabled:         s.cfg.Enabled,
		Seed:            s.seed,
		HistoryDays:     s.cfg.HistoryDays,
		IntervalMinutes: s.cfg.IntervalMinutes,
		Entries:         ne,
		Treatments:      nt,
		LastReading:     s.last,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st, nil
}
