// Package engine implements the reconciliation cycle that keeps the hub
// and the origin platforms in agreement. Each cycle runs two strictly
// ordered phases: completions observed in the hub are propagated back to
// their origin, then new origin tasks are mirrored into the hub.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mhollis/taskhub/pkg/model"
)

// Origin is one peripheral platform tasks are pulled from. FetchOpen must
// only return tasks that are still unresolved on the origin side. Resolve
// closes the task at its origin; originContext is whatever opaque blob the
// adapter stored at ingestion time (may be empty).
type Origin interface {
	Source() model.TaskSource
	FetchOpen(ctx context.Context) ([]model.UnifiedTask, error)
	Resolve(ctx context.Context, sourceID, originContext string) error
}

// Hub is the canonical workspace: the source of truth for "done".
type Hub interface {
	FetchOpenIDs(ctx context.Context) (map[string]struct{}, error)
	CreateMirror(ctx context.Context, title string, priority model.TaskPriority) (string, error)
}

// Store is the durable record of every sync decision ever made. Upsert
// must be atomic per record and survive restart once it returns nil.
type Store interface {
	LoadAll(ctx context.Context) (map[string]model.TrackedRecord, error)
	Upsert(ctx context.Context, rec model.TrackedRecord) error
}

// Summary is the per-cycle outcome report for whoever triggered the
// cycle, with failures broken down by origin so an operator can tell
// which platform needs attention.
type Summary struct {
	RunID          string                    `json:"run_id"`
	Completed      int                       `json:"completed"`
	Ingested       int                       `json:"ingested"`
	CloseFailures  map[model.TaskSource]int  `json:"close_failures,omitempty"`
	CreateFailures map[model.TaskSource]int  `json:"create_failures,omitempty"`
	FetchFailures  map[model.TaskSource]bool `json:"fetch_failures,omitempty"`
	HubFetchFailed bool                      `json:"hub_fetch_failed,omitempty"`
}

// TotalFailures is the number of non-fatal failures across all origins.
func (s Summary) TotalFailures() int {
	n := 0
	for _, c := range s.CloseFailures {
		n += c
	}
	for _, c := range s.CreateFailures {
		n += c
	}
	for range s.FetchFailures {
		n++
	}
	if s.HubFetchFailed {
		n++
	}
	return n
}

// Config holds the engine's collaborators. Everything is injected so the
// engine can be exercised against fakes.
type Config struct {
	Store   Store
	Hub     Hub
	Origins []Origin
	Logger  *slog.Logger
	// FetchTimeout bounds each snapshot fetch so one unresponsive platform
	// cannot stall the cycle. Defaults to 30s if zero.
	FetchTimeout time.Duration
}

// Engine runs reconciliation cycles. It holds no state across cycles;
// everything durable lives in the store.
type Engine struct {
	store        Store
	hub          Hub
	origins      []Origin
	logger       *slog.Logger
	fetchTimeout time.Duration
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("engine: hub is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		store:        cfg.Store,
		hub:          cfg.Hub,
		origins:      cfg.Origins,
		logger:       logger,
		fetchTimeout: timeout,
	}, nil
}

// snapshot is the collected state of one cycle's fetch fan-out.
type snapshot struct {
	hubIDs         map[string]struct{}
	hubFetchFailed bool
	originTasks    map[model.TaskSource][]model.UnifiedTask
	fetchFailures  map[model.TaskSource]bool
}

// RunCycle executes one full reconciliation cycle. Store errors abort the
// cycle; adapter errors degrade to empty snapshots or are counted in the
// summary and retried on the next scheduled cycle.
func (e *Engine) RunCycle(ctx context.Context) (Summary, error) {
	summary := Summary{
		RunID:          uuid.NewString(),
		CloseFailures:  make(map[model.TaskSource]int),
		CreateFailures: make(map[model.TaskSource]int),
		FetchFailures:  make(map[model.TaskSource]bool),
	}
	log := e.logger.With("run_id", summary.RunID)
	log.Info("sync cycle starting")

	tracked, err := e.store.LoadAll(ctx)
	if err != nil {
		return summary, fmt.Errorf("load sync state: %w", err)
	}

	snap := e.fetchSnapshots(ctx, log)
	summary.HubFetchFailed = snap.hubFetchFailed
	summary.FetchFailures = snap.fetchFailures

	if err := e.reconcileCompletions(ctx, log, tracked, snap, &summary); err != nil {
		return summary, err
	}
	if err := e.ingestNew(ctx, log, tracked, snap, &summary); err != nil {
		return summary, err
	}

	log.Info("sync cycle complete",
		"completed", summary.Completed,
		"ingested", summary.Ingested,
		"close_failures", summary.CloseFailures,
		"create_failures", summary.CreateFailures)
	return summary, nil
}

// fetchSnapshots pulls the current open-item sets from the hub and every
// origin concurrently. A failed fetch degrades to an empty snapshot for
// that platform; diffing only starts once every fetch has returned.
func (e *Engine) fetchSnapshots(ctx context.Context, log *slog.Logger) snapshot {
	snap := snapshot{
		hubIDs:        make(map[string]struct{}),
		originTasks:   make(map[model.TaskSource][]model.UnifiedTask),
		fetchFailures: make(map[model.TaskSource]bool),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
		ids, err := e.hub.FetchOpenIDs(fetchCtx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			// An unreachable hub makes every active record look completed
			// this cycle. Known hazard; flagged loudly.
			log.Warn("hub snapshot failed, treating hub as empty", "error", err)
			snap.hubFetchFailed = true
			return
		}
		snap.hubIDs = ids
	}()

	for _, origin := range e.origins {
		wg.Add(1)
		go func(origin Origin) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
			defer cancel()
			tasks, err := origin.FetchOpen(fetchCtx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("origin snapshot failed, skipping this cycle",
					"source", origin.Source(), "error", err)
				snap.fetchFailures[origin.Source()] = true
				return
			}
			snap.originTasks[origin.Source()] = tasks
		}(origin)
	}

	wg.Wait()
	return snap
}

// reconcileCompletions is phase 1: every active record whose hub page is no
// longer open gets resolved at its origin and flipped to completed. The
// flip happens even when the origin-side resolve fails: the hub is the
// source of truth for done, and re-evaluating the same record every cycle
// against an origin that cannot satisfy the close would never converge.
func (e *Engine) reconcileCompletions(ctx context.Context, log *slog.Logger, tracked map[string]model.TrackedRecord, snap snapshot, summary *Summary) error {
	bySource := make(map[model.TaskSource]Origin, len(e.origins))
	for _, origin := range e.origins {
		bySource[origin.Source()] = origin
	}

	for key, rec := range tracked {
		if rec.Status != model.StatusActive {
			continue
		}
		if _, open := snap.hubIDs[rec.HubID]; open {
			continue
		}

		log.Info("task marked done in hub, resolving at origin",
			"source_id", rec.SourceID, "source", rec.SourceType)

		origin, ok := bySource[rec.SourceType]
		if !ok {
			log.Warn("no adapter registered for source, skipping origin-side resolve",
				"source_id", rec.SourceID, "source", rec.SourceType)
			summary.CloseFailures[rec.SourceType]++
		} else {
			closeCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
			err := origin.Resolve(closeCtx, rec.SourceID, rec.OriginContext)
			cancel()
			if err != nil {
				log.Warn("origin-side resolve failed, marking completed anyway",
					"source_id", rec.SourceID, "source", rec.SourceType, "error", err)
				summary.CloseFailures[rec.SourceType]++
			}
		}

		next, err := rec.Status.Transition(model.StatusCompleted)
		if err != nil {
			return fmt.Errorf("complete %s: %w", key, err)
		}
		rec.Status = next
		if err := e.store.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("persist completion of %s: %w", key, err)
		}
		tracked[key] = rec
		summary.Completed++
	}
	return nil
}

// ingestNew is phase 2: every origin task not yet tracked gets a mirror
// page in the hub. A failed create leaves the task unknown so the next
// cycle retries it; a successful create is recorded before the next task
// is examined, so a duplicate within one combined snapshot is ingested
// once.
func (e *Engine) ingestNew(ctx context.Context, log *slog.Logger, tracked map[string]model.TrackedRecord, snap snapshot, summary *Summary) error {
	for _, origin := range e.origins {
		for _, task := range snap.originTasks[origin.Source()] {
			if _, known := tracked[task.Key()]; known {
				continue
			}

			title := MirrorTitle(task)
			log.Info("new task found, creating hub mirror",
				"source", task.Source, "source_id", task.ID, "title", task.Title)

			createCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
			hubID, err := e.hub.CreateMirror(createCtx, title, task.Priority)
			cancel()
			if err != nil {
				log.Warn("hub mirror creation failed, will retry next cycle",
					"source", task.Source, "source_id", task.ID, "error", err)
				summary.CreateFailures[task.Source]++
				continue
			}

			rec := model.TrackedRecord{
				SourceID:      task.ID,
				SourceType:    task.Source,
				HubID:         hubID,
				Status:        model.StatusActive,
				OriginContext: task.OriginContext,
			}
			if err := e.store.Upsert(ctx, rec); err != nil {
				return fmt.Errorf("persist ingestion of %s: %w", task.Key(), err)
			}
			tracked[task.Key()] = rec
			summary.Ingested++
		}
	}
	return nil
}

// MirrorTitle builds the hub page title for an origin task, prefixed with
// the origin so the mirror is attributable at a glance.
func MirrorTitle(task model.UnifiedTask) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(task.Source)), task.Title)
}
