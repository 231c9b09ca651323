package worker

import (
	"strconv"
	"sync"
	"time"

	"github.com/bastion-games/bastion/pkg/errdefs"
	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/log"
	"github.com/bastion-games/bastion/pkg/metrics"
	"github.com/bastion-games/bastion/pkg/queue"
	"github.com/bastion-games/bastion/pkg/service"
	"github.com/bastion-games/bastion/pkg/types"
)

const (
	maxAttempts  = 3
	retryBackoff = 5 * time.Second
)

// Worker ticks the four completion queues
type Worker struct {
	deps     *service.Deps
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Worker over the shared service dependencies
func New(deps *service.Deps, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		deps:     deps,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	logger := log.WithComponent("worker")
	logger.Info().
		Dur("interval", w.interval).
		Msg("Task worker started")
	metrics.UpdateComponent("task_worker", true, "running")
}

// Stop terminates the loop and waits for the in-flight tick
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	metrics.UpdateComponent("task_worker", false, "stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick drains every class once. Exported so tests can drive completions
// without waiting for the ticker.
func (w *Worker) Tick() {
	now := w.deps.NowMs()
	for _, class := range types.TaskClasses {
		w.drainClass(class, now)
	}
}

func (w *Worker) drainClass(class types.TaskClass, nowMs int64) {
	logger := log.WithTaskClass(class)

	entries, err := w.deps.Queue.PopDue(class, nowMs)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to pop matured tasks")
		return
	}
	for _, entry := range entries {
		w.complete(class, entry)
	}

	if pending, err := w.deps.Queue.Pending(class); err == nil {
		metrics.TasksPending.WithLabelValues(string(class)).Set(float64(pending))
	}
}

// complete runs one matured entry through its handler under the user lock
func (w *Worker) complete(class types.TaskClass, entry queue.Entry) {
	logger := log.WithTaskClass(class)

	meta := entry.Meta
	if meta == nil {
		// Metadata TTL outlived by the entry; reconstruct what the member
		// encodes and let the handler sort it out
		userID, taskID, _, err := queue.ParseMember(entry.Member)
		if err != nil {
			logger.Error().Str("member", entry.Member).Msg("Dropping unparseable queue entry")
			return
		}
		meta = &types.TaskMeta{Class: class, UserID: userID, TaskID: taskID, EndTime: entry.Score}
	}

	release, err := w.deps.Locker.AcquireUser(meta.UserID)
	if err != nil {
		// Lock contention is not a handler failure; retry next tick unscathed
		if rerr := w.deps.Queue.Enqueue(class, entry.Member, entry.Score, meta); rerr != nil {
			logger.Error().Err(rerr).Str("member", entry.Member).Msg("Failed to requeue contended task")
		}
		return
	}
	err = w.dispatch(class, meta)
	release()

	if err == nil {
		metrics.TasksCompleted.WithLabelValues(string(class)).Inc()
		return
	}

	meta.Attempts++
	logger.Warn().
		Err(err).
		Str("member", entry.Member).
		Int("attempts", meta.Attempts).
		Msg("Task completion failed")

	if meta.Attempts >= maxAttempts {
		metrics.TasksDeadLettered.WithLabelValues(string(class)).Inc()
		if dlerr := w.deps.Queue.DeadLetter(class, entry.Member); dlerr != nil {
			logger.Error().Err(dlerr).Str("member", entry.Member).Msg("Failed to dead-letter task")
		}
		w.deps.Events.Publish(&events.Event{
			Type:   events.EventTaskFailed,
			UserID: meta.UserID,
			Data: map[string]interface{}{
				"class":   string(class),
				"task_id": meta.TaskID,
			},
		})
		return
	}

	metrics.TaskRetries.WithLabelValues(string(class)).Inc()
	retryAt := w.deps.NowMs() + retryBackoff.Milliseconds()
	if rerr := w.deps.Queue.Enqueue(class, entry.Member, retryAt, meta); rerr != nil {
		logger.Error().Err(rerr).Str("member", entry.Member).Msg("Failed to requeue task for retry")
	}
}

// dispatch routes a matured task to the owning service's completion handler
func (w *Worker) dispatch(class types.TaskClass, meta *types.TaskMeta) error {
	switch class {
	case types.TaskBuilding:
		idx, err := strconv.Atoi(meta.TaskID)
		if err != nil {
			return errdefs.Fatalf("malformed building task id %q", meta.TaskID)
		}
		return service.NewBuildingService(w.deps, meta.UserID).Finish(idx)

	case types.TaskResearch:
		idx, err := strconv.Atoi(meta.TaskID)
		if err != nil {
			return errdefs.Fatalf("malformed research task id %q", meta.TaskID)
		}
		return service.NewResearchService(w.deps, meta.UserID).Finish(idx)

	case types.TaskUnitTraining:
		return service.NewUnitService(w.deps, meta.UserID).Finish(meta)

	case types.TaskBuff:
		return service.NewBuffService(w.deps, meta.UserID).Finish(meta.TaskID)
	}
	return errdefs.Fatalf("unknown task class %q", class)
}
