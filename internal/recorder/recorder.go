package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/metrics"
)

const (
	defaultFlushInterval = 100 * time.Millisecond
	defaultMaxBatch      = 500
	defaultMaxPending    = 100000
	defaultPurgeInterval = 24 * time.Hour

	flushTimeout = 10 * time.Second
	purgeTimeout = time.Minute
)

// Logger is the logging surface the recorder needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options tunes the recorder. Zero values take defaults.
type Options struct {
	FlushInterval   time.Duration
	MaxBatch        int
	MaxPending      int
	PurgeKeepDays   int
	PurgeInterval   time.Duration
	ExcludeEntities []string
	ExcludeDomains  []string
}

// OptionsFromConfig maps the recorder config section onto Options.
func OptionsFromConfig(cfg config.RecorderConfig) Options {
	return Options{
		FlushInterval:   cfg.FlushInterval(),
		MaxBatch:        cfg.MaxBatch,
		MaxPending:      cfg.MaxPending,
		PurgeKeepDays:   cfg.PurgeKeepDays,
		PurgeInterval:   cfg.PurgeInterval(),
		ExcludeEntities: cfg.ExcludeEntities,
		ExcludeDomains:  cfg.ExcludeDomains,
	}
}

// Filter decides which entities are recorded.
type Filter struct {
	entities map[string]bool
	domains  map[string]bool
}

// NewFilter builds an exclusion filter.
func NewFilter(entities, domains []string) Filter {
	f := Filter{entities: make(map[string]bool), domains: make(map[string]bool)}
	for _, id := range entities {
		f.entities[id] = true
	}
	for _, d := range domains {
		f.domains[d] = true
	}
	return f
}

// Excluded reports whether entityID must not be recorded.
func (f Filter) Excluded(entityID string) bool {
	if f.entities[entityID] {
		return true
	}
	domain, _, _ := core.SplitEntityID(entityID)
	return f.domains[domain]
}

// Recorder is the bus sink that persists history.
type Recorder struct {
	repo    Repository
	opts    Options
	filter  Filter
	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending []core.Entity

	// flushMu serialises flushes so retried rows keep their order.
	flushMu sync.Mutex
	kick    chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a recorder writing to repo. Call Start to begin flushing.
func New(repo Repository, opts Options) *Recorder {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.MaxPending < opts.MaxBatch {
		opts.MaxPending = opts.MaxBatch
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = defaultPurgeInterval
	}
	return &Recorder{
		repo:   repo,
		opts:   opts,
		filter: NewFilter(opts.ExcludeEntities, opts.ExcludeDomains),
		logger: noopLogger{},
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors. nil disables them.
func (r *Recorder) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// HandleEvent buffers the new state of every state_changed event.
// Deletions and excluded entities are skipped.
func (r *Recorder) HandleEvent(ev core.Event) {
	data, ok := ev.StateChange()
	if !ok || data.NewState == nil || r.filter.Excluded(data.EntityID) {
		return
	}

	r.mu.Lock()
	r.pending = append(r.pending, *data.NewState)
	r.trimLocked()
	n := len(r.pending)
	r.mu.Unlock()

	r.metrics.SetRecorderPending(n)
	if n >= r.opts.MaxBatch {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// trimLocked drops the oldest rows beyond MaxPending. r.mu must be held.
func (r *Recorder) trimLocked() {
	over := len(r.pending) - r.opts.MaxPending
	if over <= 0 {
		return
	}
	r.logger.Warn("recorder backlog full, dropping oldest rows", "dropped", over)
	r.pending = append([]core.Entity(nil), r.pending[over:]...)
}

// Pending returns the number of rows waiting for a flush.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush commits every pending row. On failure the rows stay pending, ahead
// of anything that arrived meanwhile.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := r.repo.InsertStates(ctx, batch)
	r.metrics.RecorderFlush(len(batch), err)
	if err != nil {
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.trimLocked()
		n := len(r.pending)
		r.mu.Unlock()
		r.metrics.SetRecorderPending(n)
		return err
	}

	r.metrics.SetRecorderPending(r.Pending())
	r.logger.Debug("recorder flushed", "rows", len(batch))
	return nil
}

// Start runs the flush and purge loops until Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)
}

// Stop ends the loops and performs a final flush.
func (r *Recorder) Stop(ctx context.Context) error {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return r.Flush(ctx)
}

func (r *Recorder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	flushTicker := time.NewTicker(r.opts.FlushInterval)
	defer flushTicker.Stop()

	var purgeC <-chan time.Time
	if r.opts.PurgeKeepDays > 0 {
		purgeTicker := time.NewTicker(r.opts.PurgeInterval)
		defer purgeTicker.Stop()
		purgeC = purgeTicker.C
		r.purgeOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			r.flushOnce(ctx)
		case <-r.kick:
			r.flushOnce(ctx)
		case <-purgeC:
			r.purgeOnce(ctx)
		}
	}
}

func (r *Recorder) flushOnce(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := r.Flush(flushCtx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("recorder flush failed, will retry", "error", err, "pending", r.Pending())
	}
}

func (r *Recorder) purgeOnce(ctx context.Context) {
	purgeCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()
	n, err := r.Purge(purgeCtx, r.opts.PurgeKeepDays)
	if err != nil {
		r.logger.Error("recorder purge failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("recorder purged history", "rows", n, "keep_days", r.opts.PurgeKeepDays)
	}
}

// Purge deletes history older than keepDays. Statistics are kept.
func (r *Recorder) Purge(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().AddDate(0, 0, -keepDays)
	return r.repo.Purge(ctx, cutoff)
}

// History returns persisted rows ascending by time.
func (r *Recorder) History(ctx context.Context, q HistoryQuery) ([]StateRow, error) {
	return r.repo.History(ctx, q)
}

// Logbook returns the deduplicated activity log ascending by time.
func (r *Recorder) Logbook(ctx context.Context, q LogbookQuery) ([]LogbookEntry, error) {
	hq := HistoryQuery{Range: q.Range}
	if q.EntityID != "" {
		hq.EntityIDs = []string{q.EntityID}
	}
	rows, err := r.repo.History(ctx, hq)
	if err != nil {
		return nil, err
	}
	return dedupeLogbook(rows), nil
}

// Statistics returns hourly numeric buckets.
func (r *Recorder) Statistics(ctx context.Context, q StatisticsQuery) ([]StatisticBucket, error) {
	return r.repo.Statistics(ctx, q)
}
