package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/conformoor/pkg/executor"
	"github.com/ethpandaops/conformoor/pkg/store"
	"github.com/ethpandaops/conformoor/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// progressEvery is the number of settled executions between progress logs.
const progressEvery = 100

// Pool dispatches catalog identifiers onto a fixed number of workers.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error

	// Wait blocks until the queue is exhausted and nothing is in flight.
	// Work prepended by a later reconciliation re-arms it, so a Wait that
	// starts after that blocks until the new work has settled too.
	Wait(ctx context.Context) error

	// Reconcile prepends catalog identifiers that have no recorded outcome
	// and are neither queued nor in flight. An identifier whose record
	// disappeared after it settled is queued again. It returns how many
	// were added.
	Reconcile(ctx context.Context) (int, error)

	// Snapshot returns a copy of the live pool state.
	Snapshot() Snapshot
}

// Config for the pool.
type Config struct {
	Workers           int
	ReconcileInterval time.Duration
}

// RunningEntry is an in-flight execution. It only lives in memory.
type RunningEntry struct {
	Test      string
	WorkerID  int
	StartTime time.Time
}

// Snapshot is a point-in-time copy of the pool state. The tallies are a
// display cache; the store is authoritative for recorded outcomes.
type Snapshot struct {
	types.Tally
	Skipped int
	Running []RunningEntry
	Queued  int
	Workers int
	Total   int
}

// Recorder receives pool events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveOutcome(outcome types.Outcome, duration time.Duration)
	ObserveSkip()
	ObserveReconcile(added int)
	SetRunning(n int)
}

// confirmation marks an identifier whose record was seen in, or written to,
// the store during this session.
type confirmation struct {
	seq     uint64
	outcome types.Outcome
	skipped bool
}

type nopRecorder struct{}

func (nopRecorder) ObserveOutcome(types.Outcome, time.Duration) {}
func (nopRecorder) ObserveSkip() {}
func (nopRecorder) ObserveReconcile(int) {}
func (nopRecorder) SetRunning(int) {}

// Compile-time interface check.
var _ Pool = (*pool)(nil)

type pool struct {
	log      logrus.FieldLogger
	cfg      *Config
	catalog  []string
	store    store.Store
	exec     executor.Executor
	recorder Recorder

	mu      sync.Mutex
	wake    *sync.Cond
	queue   []string
	cursor  int
	pending map[string]struct{}

	// dispatched holds identifiers claimed by a worker whose record has not
	// been confirmed yet, including those whose write failed.
	dispatched    map[string]struct{}
	confirmed     map[string]confirmation
	seq           uint64
	running       map[int]RunningEntry
	busy          int
	tally         types.Tally
	skipped       int
	halted        bool
	started       time.Time
	drained       chan struct{}
	drainedClosed bool

	cancel   context.CancelFunc
	group    *errgroup.Group
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool creates a worker pool over catalog. A nil recorder disables
// event reporting.
func NewPool(
	log logrus.FieldLogger,
	cfg *Config,
	catalog []string,
	st store.Store,
	exec executor.Executor,
	recorder Recorder,
) Pool {
	if recorder == nil {
		recorder = nopRecorder{}
	}

	p := &pool{
		log:        log.WithField("component", "scheduler"),
		cfg:        cfg,
		catalog:    catalog,
		store:      st,
		exec:       exec,
		recorder:   recorder,
		pending:    make(map[string]struct{}, len(catalog)),
		dispatched: make(map[string]struct{}, len(catalog)),
		confirmed:  make(map[string]confirmation, len(catalog)),
		running:    make(map[int]RunningEntry, cfg.Workers),
		drained:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.wake = sync.NewCond(&p.mu)

	return p
}

// Start seeds the queue from a reconciliation pass, launches the workers
// and then keeps reconciling on the configured interval.
func (p *pool) Start(ctx context.Context) error {
	if p.cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", p.cfg.Workers)
	}

	ctx, p.cancel = context.WithCancel(ctx)

	p.mu.Lock()
	p.started = time.Now()
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"workers":            p.cfg.Workers,
		"tests":              len(p.catalog),
		"reconcile_interval": p.cfg.ReconcileInterval.String(),
	}).Info("Starting worker pool")

	if _, err := p.Reconcile(ctx); err != nil {
		p.log.WithError(err).Warn("Initial reconciliation failed")
	}

	// Unrecorded identifiers are queued first. The rest of the catalog
	// follows in order so the workers confirm and count their records.
	p.mu.Lock()
	for _, id := range p.catalog {
		if _, ok := p.pending[id]; ok {
			continue
		}

		if _, ok := p.dispatched[id]; ok {
			continue
		}

		p.pending[id] = struct{}{}
		p.queue = append(p.queue, id)
	}
	p.mu.Unlock()

	// Parked workers wait on a condition variable, which ctx cannot
	// interrupt on its own.
	context.AfterFunc(ctx, p.halt)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := i

		g.Go(func() error {
			p.worker(gctx, workerID)

			return nil
		})
	}

	p.group = g

	if p.cfg.ReconcileInterval > 0 {
		p.wg.Add(1)

		go func() {
			defer p.wg.Done()

			ticker := time.NewTicker(p.cfg.ReconcileInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if _, err := p.Reconcile(ctx); err != nil {
						p.log.WithError(err).Warn("Reconciliation failed")
					}
				case <-p.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return nil
}

// Stop aborts in-flight executions, stops the workers and the
// reconciliation loop, and waits for them. Aborted executions are not
// recorded.
func (p *pool) Stop() error {
	if p.cancel == nil {
		return nil
	}

	var err error

	p.stopOnce.Do(func() {
		close(p.done)
		p.cancel()
		p.halt()

		p.wg.Wait()

		if p.group != nil {
			err = p.group.Wait()
		}

		p.log.Info("Worker pool stopped")
	})

	return err
}

func (p *pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	drained := p.drained
	p.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) halt() {
	p.mu.Lock()
	p.halted = true
	p.mu.Unlock()

	p.wake.Broadcast()
}

func (p *pool) Reconcile(ctx context.Context) (int, error) {
	// Confirmations newer than this were made while the listing ran and may
	// be missing from it.
	p.mu.Lock()
	listedAfter := p.seq
	p.mu.Unlock()

	recorded, err := p.store.ListIdentifiers(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing recorded identifiers: %w", err)
	}

	recordedSet := make(map[string]struct{}, len(recorded))
	for _, id := range recorded {
		recordedSet[id] = struct{}{}
	}

	p.mu.Lock()

	missing := make([]string, 0, 64)

	for _, id := range p.catalog {
		if _, ok := recordedSet[id]; ok {
			continue
		}

		if _, ok := p.pending[id]; ok {
			continue
		}

		if _, ok := p.dispatched[id]; ok {
			continue
		}

		if c, ok := p.confirmed[id]; ok && c.seq > listedAfter {
			continue
		}

		missing = append(missing, id)
	}

	if len(missing) > 0 {
		for _, id := range missing {
			// The record is gone, so its earlier outcome no longer counts.
			if c, ok := p.confirmed[id]; ok {
				p.tally.Remove(c.outcome)
				if c.skipped {
					p.skipped--
				}

				delete(p.confirmed, id)
			}

			p.pending[id] = struct{}{}
		}

		p.queue = append(missing, p.queue[p.cursor:]...)
		p.cursor = 0

		if p.drainedClosed {
			p.drained = make(chan struct{})
			p.drainedClosed = false
		}
	}

	free := p.cfg.Workers - len(p.running)
	queued := len(p.queue) - p.cursor
	p.mu.Unlock()

	if len(missing) > 0 {
		p.wake.Broadcast()
	}

	p.recorder.ObserveReconcile(len(missing))

	p.log.WithFields(logrus.Fields{
		"missing":  len(missing),
		"queued":   queued,
		"recorded": len(recorded),
		"free":     free,
	}).Info("Reconciliation pass completed")

	return len(missing), nil
}

func (p *pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	running := make([]RunningEntry, 0, len(p.running))
	for _, entry := range p.running {
		running = append(running, entry)
	}

	sort.Slice(running, func(i, j int) bool {
		return running[i].WorkerID < running[j].WorkerID
	})

	return Snapshot{
		Tally:   p.tally,
		Skipped: p.skipped,
		Running: running,
		Queued:  len(p.queue) - p.cursor,
		Workers: p.cfg.Workers,
		Total:   len(p.catalog),
	}
}

func (p *pool) worker(ctx context.Context, workerID int) {
	for {
		id, ok := p.next()
		if !ok {
			return
		}

		p.process(ctx, workerID, id)

		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}
}

// next claims the next queue position, parking while the queue is empty.
// It returns false once the pool has been halted.
func (p *pool) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.halted && p.cursor >= len(p.queue) {
		if p.busy == 0 && !p.drainedClosed {
			close(p.drained)
			p.drainedClosed = true
		}

		p.wake.Wait()
	}

	if p.halted {
		return "", false
	}

	id := p.queue[p.cursor]
	p.cursor++
	p.busy++

	delete(p.pending, id)
	p.dispatched[id] = struct{}{}

	return id, true
}

func (p *pool) process(ctx context.Context, workerID int, id string) {
	log := p.log.WithFields(logrus.Fields{
		"worker": workerID,
		"test":   id,
	})

	if ctx.Err() != nil {
		return
	}

	rec, err := p.store.Lookup(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Result lookup failed, running test")
	}

	if rec != nil {
		p.mu.Lock()
		p.tally.Add(rec.Outcome)
		p.skipped++
		p.confirm(id, rec.Outcome, true)
		p.mu.Unlock()

		p.recorder.ObserveSkip()
		log.WithField("outcome", rec.Outcome).Debug("Skipping recorded test")

		return
	}

	p.mu.Lock()
	p.running[workerID] = RunningEntry{
		Test:      id,
		WorkerID:  workerID,
		StartTime: time.Now(),
	}
	p.recorder.SetRunning(len(p.running))
	p.mu.Unlock()

	res, err := p.exec.Run(ctx, workerID, id)

	// The running entry goes before the store write so a status poll never
	// sees the test both running and recorded.
	p.mu.Lock()
	delete(p.running, workerID)
	p.recorder.SetRunning(len(p.running))

	if err == nil {
		p.tally.Add(res.Outcome)
	}

	settled := p.tally.Completed() - p.skipped
	completed := p.tally.Completed()
	p.mu.Unlock()

	if err != nil {
		log.WithError(err).Debug("Execution aborted")

		return
	}

	p.recorder.ObserveOutcome(res.Outcome, res.Duration)

	entry := log.WithFields(logrus.Fields{
		"outcome":  res.Outcome,
		"duration": res.Duration.Round(time.Millisecond),
	})
	if res.Outcome == types.OutcomePass {
		entry.Debug("Test settled")
	} else {
		entry.WithField("error", res.Error).Info("Test settled")
	}

	if settled > 0 && settled%progressEvery == 0 {
		p.log.WithFields(logrus.Fields{
			"completed": completed,
			"total":     len(p.catalog),
			"elapsed":   units.HumanDuration(time.Since(p.started)),
		}).Info("Progress")
	}

	// A settled result is kept even when the pool is stopping.
	if err := p.store.Upsert(context.WithoutCancel(ctx), &store.Result{
		Identifier: id,
		Outcome:    res.Outcome,
		Error:      res.Error,
		DurationMS: res.Duration.Milliseconds(),
	}); err != nil {
		// Left dispatched, so only the next session retries it.
		log.WithError(err).Error("Failed to record result")

		return
	}

	p.mu.Lock()
	p.confirm(id, res.Outcome, false)
	p.mu.Unlock()
}

// confirm marks id as present in the store. Callers hold p.mu.
func (p *pool) confirm(id string, outcome types.Outcome, skipped bool) {
	p.seq++
	p.confirmed[id] = confirmation{seq: p.seq, outcome: outcome, skipped: skipped}

	delete(p.dispatched, id)
}
