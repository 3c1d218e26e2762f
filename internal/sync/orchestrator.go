package sync

import (
	"context"
	"log"
	"math"
	gosync "sync"
	"time"

	"github.com/openretail/storesync/internal/config"
	"github.com/openretail/storesync/internal/models"
	"gorm.io/gorm"
)

// LoopState is the lifecycle of one store's sync loop
type LoopState string

const (
	LoopIdle      LoopState = "idle"
	LoopScheduled LoopState = "scheduled"
	LoopRunning   LoopState = "running"
	LoopStopped   LoopState = "stopped"
)

// StoreStatus is one store loop's snapshot for the status endpoint
type StoreStatus struct {
	StoreID             string        `json:"storeId"`
	State               LoopState     `json:"state"`
	LastCycleAt         *time.Time    `json:"lastCycleAt,omitempty"`
	LastCycleError      string        `json:"lastCycleError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	NextDelay           string        `json:"nextDelay,omitempty"`
	Queue               *QueueSummary `json:"queue,omitempty"`
}

// Orchestrator drives the periodic sync loops. Each configured store gets
// its own goroutine cycling idle -> scheduled -> running; wake signals from
// SyncNow or a change notification collapse the wait.
type Orchestrator struct {
	db        *gorm.DB
	queue     *ChangeQueue
	processor *BatchProcessor
	leases    *LeaseManager
	cfg       *config.SyncConfig

	mu    gosync.Mutex
	loops map[string]*storeLoop
	wg    gosync.WaitGroup

	stopChan chan struct{}
	stopped  bool
}

type storeLoop struct {
	storeID string
	wake    chan struct{}

	mu       gosync.Mutex
	state    LoopState
	lastAt   *time.Time
	lastErr  string
	failures int
	delay    time.Duration
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(db *gorm.DB, queue *ChangeQueue, processor *BatchProcessor, leases *LeaseManager, cfg *config.SyncConfig) *Orchestrator {
	return &Orchestrator{
		db:        db,
		queue:     queue,
		processor: processor,
		leases:    leases,
		cfg:       cfg,
		loops:     make(map[string]*storeLoop),
		stopChan:  make(chan struct{}),
	}
}

// Start launches a loop per enabled store configuration
func (o *Orchestrator) Start() error {
	var configs []models.SyncConfiguration
	if err := o.db.Where("enabled = ?", true).Find(&configs).Error; err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sc := range configs {
		if _, exists := o.loops[sc.StoreID]; exists {
			continue
		}
		loop := &storeLoop{
			storeID: sc.StoreID,
			wake:    make(chan struct{}, 1),
			state:   LoopIdle,
		}
		o.loops[sc.StoreID] = loop
		o.wg.Add(1)
		go o.run(loop)
		log.Printf("🚀 Sync loop started for store %s", sc.StoreID)
	}
	return nil
}

// Stop signals every loop and waits for in-flight cycles to reach a
// terminal state
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.stopChan)
	o.mu.Unlock()

	o.wg.Wait()
	log.Println("🛑 Sync orchestrator stopped")
}

// SyncNow wakes a store's loop immediately
func (o *Orchestrator) SyncNow(storeID string) bool {
	return o.wakeLoop(storeID)
}

// NotifyChange wakes a store's loop after a local enqueue or a pushed
// change notification. Non-blocking; a loop already awake absorbs it.
func (o *Orchestrator) NotifyChange(storeID string) {
	o.wakeLoop(storeID)
}

func (o *Orchestrator) wakeLoop(storeID string) bool {
	o.mu.Lock()
	loop, ok := o.loops[storeID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case loop.wake <- struct{}{}:
	default:
	}
	return true
}

// Status reports every loop's state for the observability surface
func (o *Orchestrator) Status() map[string]*StoreStatus {
	o.mu.Lock()
	loops := make([]*storeLoop, 0, len(o.loops))
	for _, l := range o.loops {
		loops = append(loops, l)
	}
	o.mu.Unlock()

	out := make(map[string]*StoreStatus, len(loops))
	for _, l := range loops {
		l.mu.Lock()
		st := &StoreStatus{
			StoreID:             l.storeID,
			State:               l.state,
			LastCycleAt:         l.lastAt,
			LastCycleError:      l.lastErr,
			ConsecutiveFailures: l.failures,
		}
		if l.delay > 0 {
			st.NextDelay = l.delay.String()
		}
		l.mu.Unlock()

		if summary, err := o.queue.Summary(l.storeID); err == nil {
			st.Queue = summary
		}
		out[l.storeID] = st
	}
	return out
}

func (o *Orchestrator) run(loop *storeLoop) {
	defer o.wg.Done()
	defer loop.setState(LoopStopped)

	interval := time.Duration(o.cfg.SyncInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if o.cfg.AutoSyncOnStartup {
		select {
		case loop.wake <- struct{}{}:
		default:
		}
	}

	base := time.Duration(o.cfg.RetryDelaySeconds) * time.Second
	if base <= 0 {
		base = 30 * time.Second
	}

	for {
		wait := interval
		if d := loop.failureDelay(base); d > 0 {
			wait = d
		}

		loop.setState(LoopIdle)
		timer := time.NewTimer(wait)
		select {
		case <-o.stopChan:
			timer.Stop()
			return
		case <-loop.wake:
			timer.Stop()
		case <-timer.C:
		}

		loop.setState(LoopScheduled)
		o.runCycle(loop)
	}
}

// runCycle executes one full sync cycle: lease, entity rules by priority,
// release. A cycle where any batch fails counts as a failed cycle for the
// delayed-re-entry backoff.
func (o *Orchestrator) runCycle(loop *storeLoop) {
	var syncCfg models.SyncConfiguration
	err := o.db.Where("store_id = ?", loop.storeID).First(&syncCfg).Error
	if err != nil {
		loop.finishCycle(err)
		return
	}
	if !syncCfg.Enabled {
		loop.finishCycle(nil)
		return
	}

	acquired, err := o.leases.Acquire(loop.storeID)
	if err != nil {
		loop.finishCycle(err)
		return
	}
	if !acquired {
		// Another owner is syncing this store; skip without penalty.
		log.Printf("⏭️ Store %s lease held elsewhere, skipping cycle", loop.storeID)
		loop.finishCycle(nil)
		return
	}
	defer func() {
		if err := o.leases.Release(loop.storeID); err != nil {
			log.Printf("⚠️ Failed to release lease for store %s: %v", loop.storeID, err)
		}
	}()

	loop.setState(LoopRunning)

	var rules []models.EntityRule
	err = o.db.Where("store_id = ? AND enabled = ?", loop.storeID, true).
		Order("priority DESC").
		Find(&rules).Error
	if err != nil {
		loop.finishCycle(err)
		return
	}

	timeout := time.Duration(o.cfg.SyncTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var cycleErr error
	for _, rule := range rules {
		select {
		case <-o.stopChan:
			// Finish the current batch boundary cleanly, then bail.
			loop.finishCycle(cycleErr)
			return
		default:
		}

		for _, dir := range directionsFor(Direction(rule.Direction)) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Minute)
			_, err := o.processor.RunBatch(ctx, &syncCfg, rule, dir)
			cancel()
			if err != nil {
				cycleErr = err
				log.Printf("🔴 Sync %s/%s %s failed: %v", loop.storeID, rule.EntityType, dir, err)
				if KindOf(err) == ErrTransient {
					// Link is down; later entity types would hit the same wall.
					loop.finishCycle(cycleErr)
					return
				}
			}
		}
	}

	loop.finishCycle(cycleErr)
}

// directionsFor expands a configured direction into batch directions,
// push before pull so local changes land before remote ones resolve
// against them.
func directionsFor(d Direction) []Direction {
	switch d {
	case DirectionPush:
		return []Direction{DirectionPush}
	case DirectionPull:
		return []Direction{DirectionPull}
	default:
		return []Direction{DirectionPush, DirectionPull}
	}
}

func (l *storeLoop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *storeLoop) finishCycle(err error) {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastAt = &now
	if err != nil {
		l.failures++
		l.lastErr = err.Error()
	} else {
		l.failures = 0
		l.lastErr = ""
		l.delay = 0
	}
}

// failureDelay computes the delayed re-entry wait after consecutive failed
// cycles, capped at 32x the base delay
func (l *storeLoop) failureDelay(base time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures == 0 {
		return 0
	}
	exp := math.Min(float64(l.failures-1), 5)
	d := time.Duration(float64(base) * math.Pow(2, exp))
	l.delay = d
	return d
}
