package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/mhollis/taskhub/pkg/engine"
	"github.com/mhollis/taskhub/pkg/model"
)

type memStore struct {
	records   map[string]model.TrackedRecord
	loadErr   error
	upsertErr error
	upsertLog []model.TrackedRecord
}

func newMemStore(recs ...model.TrackedRecord) *memStore {
	s := &memStore{records: make(map[string]model.TrackedRecord)}
	for _, r := range recs {
		s.records[r.Key()] = r
	}
	return s
}

func (s *memStore) LoadAll(context.Context) (map[string]model.TrackedRecord, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]model.TrackedRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, rec model.TrackedRecord) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.records[rec.Key()] = rec
	s.upsertLog = append(s.upsertLog, rec)
	return nil
}

type fakeOrigin struct {
	source     model.TaskSource
	tasks      []model.UnifiedTask
	fetchErr   error
	resolved   []string // "sourceID|context"
	resolveErr error
}

func (o *fakeOrigin) Source() model.TaskSource { return o.source }

func (o *fakeOrigin) FetchOpen(context.Context) ([]model.UnifiedTask, error) {
	if o.fetchErr != nil {
		return nil, o.fetchErr
	}
	return o.tasks, nil
}

func (o *fakeOrigin) Resolve(_ context.Context, sourceID, originContext string) error {
	o.resolved = append(o.resolved, sourceID+"|"+originContext)
	return o.resolveErr
}

type fakeHub struct {
	openIDs   map[string]struct{}
	fetchErr  error
	created   []string // "title|priority"
	createErr error
	nextID    int
}

func (h *fakeHub) FetchOpenIDs(context.Context) (map[string]struct{}, error) {
	if h.fetchErr != nil {
		return nil, h.fetchErr
	}
	return h.openIDs, nil
}

func (h *fakeHub) CreateMirror(_ context.Context, title string, p model.TaskPriority) (string, error) {
	if h.createErr != nil {
		return "", h.createErr
	}
	h.created = append(h.created, title+"|"+string(p))
	h.nextID++
	return fmt.Sprintf("hub-%d", h.nextID), nil
}

func newEngine(t *testing.T, s engine.Store, h engine.Hub, origins ...engine.Origin) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{
		Store:   s,
		Hub:     h,
		Origins: origins,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e
}

func gmailTask(id, title string, p model.TaskPriority) model.UnifiedTask {
	return model.UnifiedTask{ID: id, Source: model.SourceGmail, Title: title, Status: "Pending", Priority: p}
}

// Empty store, one new gmail task: after one cycle the task is mirrored and
// tracked as active, with an origin-prefixed title.
func TestIngestNewTask(t *testing.T) {
	s := newMemStore()
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	gm := &fakeOrigin{source: model.SourceGmail, tasks: []model.UnifiedTask{gmailTask("m1", "Reply", model.PriorityHigh)}}

	sum, err := newEngine(t, s, hub, gm).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Ingested != 1 || sum.Completed != 0 {
		t.Errorf("expected 1 ingested, 0 completed; got %+v", sum)
	}
	if len(hub.created) != 1 || hub.created[0] != "[GMAIL] Reply|high" {
		t.Errorf("unexpected mirror creation: %v", hub.created)
	}
	rec, ok := s.records["gmail:m1"]
	if !ok {
		t.Fatal("no tracked record for gmail:m1")
	}
	want := model.TrackedRecord{SourceID: "m1", SourceType: model.SourceGmail, HubID: "hub-1", Status: model.StatusActive}
	if rec != want {
		t.Errorf("got %+v want %+v", rec, want)
	}
}

// An active record whose hub page has disappeared is resolved at the origin
// and flipped to completed; a second identical cycle does nothing.
func TestCompletionPropagation(t *testing.T) {
	s := newMemStore(model.TrackedRecord{
		SourceID: "m1", SourceType: model.SourceGmail, HubID: "h1", Status: model.StatusActive,
	})
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	gm := &fakeOrigin{source: model.SourceGmail}

	sum, err := newEngine(t, s, hub, gm).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Completed != 1 {
		t.Errorf("expected 1 completion, got %+v", sum)
	}
	if len(gm.resolved) != 1 || gm.resolved[0] != "m1|" {
		t.Errorf("expected one resolve of m1, got %v", gm.resolved)
	}
	if s.records["gmail:m1"].Status != model.StatusCompleted {
		t.Errorf("record not completed: %+v", s.records["gmail:m1"])
	}

	// Second cycle under identical inputs: no further calls, no writes.
	gm.resolved = nil
	s.upsertLog = nil
	sum, err = newEngine(t, s, hub, gm).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if sum.Completed != 0 || len(gm.resolved) != 0 || len(s.upsertLog) != 0 {
		t.Errorf("completed record must be terminal: %+v resolved=%v writes=%d", sum, gm.resolved, len(s.upsertLog))
	}
}

// Running a cycle twice with unchanged snapshots leaves the store unchanged
// after the second run.
func TestCycleIdempotence(t *testing.T) {
	s := newMemStore()
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	gm := &fakeOrigin{source: model.SourceGmail, tasks: []model.UnifiedTask{gmailTask("m1", "Reply", model.PriorityNormal)}}
	e := newEngine(t, s, hub, gm)

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	// The mirror now exists in the hub, so keep its id in the open set.
	hub.openIDs = map[string]struct{}{"hub-1": {}}
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}

	first, _ := s.LoadAll(context.Background())
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("third RunCycle: %v", err)
	}
	second, _ := s.LoadAll(context.Background())
	if !reflect.DeepEqual(first, second) {
		t.Errorf("store changed across idempotent cycles:\n%+v\n%+v", first, second)
	}
	if len(hub.created) != 1 {
		t.Errorf("task ingested more than once: %v", hub.created)
	}
}

// A completed record whose hub page reappears stays completed.
func TestNoUncompletionOnHubReopen(t *testing.T) {
	s := newMemStore(model.TrackedRecord{
		SourceID: "m2", SourceType: model.SourceGmail, HubID: "h2", Status: model.StatusCompleted,
	})
	hub := &fakeHub{openIDs: map[string]struct{}{"h2": {}}}
	gm := &fakeOrigin{source: model.SourceGmail}

	if _, err := newEngine(t, s, hub, gm).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if s.records["gmail:m2"].Status != model.StatusCompleted {
		t.Errorf("completed is terminal, got %+v", s.records["gmail:m2"])
	}
}

// Two origins reporting the same raw id are two distinct tasks.
func TestSameIDAcrossOriginsIngestedSeparately(t *testing.T) {
	s := newMemStore()
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	gm := &fakeOrigin{source: model.SourceGmail, tasks: []model.UnifiedTask{gmailTask("x1", "Mail thing", model.PriorityNormal)}}
	ol := &fakeOrigin{source: model.SourceOutlook, tasks: []model.UnifiedTask{{
		ID: "x1", Source: model.SourceOutlook, Title: "Todo thing", Status: "notStarted",
		Priority: model.PriorityNormal, OriginContext: "list-1",
	}}}

	sum, err := newEngine(t, s, hub, gm, ol).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Ingested != 2 {
		t.Fatalf("expected 2 ingestions, got %+v", sum)
	}
	if _, ok := s.records["gmail:x1"]; !ok {
		t.Error("missing gmail:x1")
	}
	rec, ok := s.records["outlook:x1"]
	if !ok {
		t.Fatal("missing outlook:x1")
	}
	if rec.OriginContext != "list-1" {
		t.Errorf("origin context not captured at ingestion: %+v", rec)
	}
}

// A duplicate within one combined snapshot is ingested once.
func TestDuplicateWithinSnapshotIngestedOnce(t *testing.T) {
	s := newMemStore()
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	task := gmailTask("m1", "Reply", model.PriorityNormal)
	gm := &fakeOrigin{source: model.SourceGmail, tasks: []model.UnifiedTask{task, task}}

	sum, err := newEngine(t, s, hub, gm).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Ingested != 1 || len(hub.created) != 1 {
		t.Errorf("duplicate snapshot entry double-ingested: %+v created=%v", sum, hub.created)
	}
}

// A task closed in the hub but still present in a stale origin snapshot is
// completed, not re-ingested: phase 1 runs to completion before phase 2.
func TestPhaseOrderingPreventsReingestion(t *testing.T) {
	s := newMemStore(model.TrackedRecord{
		SourceID: "m1", SourceType: model.SourceGmail, HubID: "h1", Status: model.StatusActive,
	})
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	gm := &fakeOrigin{source: model.SourceGmail, tasks: []model.UnifiedTask{gmailTask("m1", "Reply", model.PriorityNormal)}}

	sum, err := newEngine(t, s, hub, gm).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Completed != 1 || sum.Ingested != 0 {
		t.Errorf("expected completion without re-ingestion, got %+v", sum)
	}
	if len(hub.created) != 0 {
		t.Errorf("stale origin task was re-mirrored: %v", hub.created)
	}
	if s.records["gmail:m1"].Status != model.StatusCompleted {
		t.Errorf("record not completed: %+v", s.records["gmail:m1"])
	}
}

// The record completes even when the origin-side resolve fails; the failure
// is only counted, never retried in-line.
func TestCompletionDespiteResolveFailure(t *testing.T) {
	s := newMemStore(model.TrackedRecord{
		SourceID: "m1", SourceType: model.SourceGmail, HubID: "h1", Status: model.StatusActive,
	})
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	gm := &fakeOrigin{source: model.SourceGmail, resolveErr: errors.New("gmail api down")}

	sum, err := newEngine(t, s, hub, gm).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Completed != 1 || sum.CloseFailures[model.SourceGmail] != 1 {
		t.Errorf("expected completion with one close failure, got %+v", sum)
	}
	if s.records["gmail:m1"].Status != model.StatusCompleted {
		t.Errorf("record must complete regardless of resolve outcome: %+v", s.records["gmail:m1"])
	}
}

// A record whose origin has no registered adapter still completes, with the
// skipped resolve counted as a failure.
func TestCompletionWithoutAdapter(t *testing.T) {
	s := newMemStore(model.TrackedRecord{
		SourceID: "t9", SourceType: model.SourceOutlook, HubID: "h9", Status: model.StatusActive,
	})
	hub := &fakeHub{openIDs: map[string]struct{}{}}

	sum, err := newEngine(t, s, hub).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Completed != 1 || sum.CloseFailures[model.SourceOutlook] != 1 {
		t.Errorf("expected completion with one close failure, got %+v", sum)
	}
}

// A failed origin fetch degrades to an empty snapshot: the other origin
// still syncs and nothing is ingested for the failed one.
func TestOriginFetchFailureDegrades(t *testing.T) {
	s := newMemStore()
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	gm := &fakeOrigin{source: model.SourceGmail, fetchErr: errors.New("unauthenticated")}
	ol := &fakeOrigin{source: model.SourceOutlook, tasks: []model.UnifiedTask{{
		ID: "t1", Source: model.SourceOutlook, Title: "Pay invoice", Status: "notStarted", Priority: model.PriorityLow,
	}}}

	sum, err := newEngine(t, s, hub, gm, ol).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !sum.FetchFailures[model.SourceGmail] {
		t.Errorf("gmail fetch failure not reported: %+v", sum)
	}
	if sum.Ingested != 1 {
		t.Errorf("outlook should still sync, got %+v", sum)
	}
}

// A failed hub fetch degrades to an empty id-set and is flagged on the
// summary. Active records complete under it, which is the documented
// outage hazard.
func TestHubFetchFailureDegrades(t *testing.T) {
	s := newMemStore(model.TrackedRecord{
		SourceID: "m1", SourceType: model.SourceGmail, HubID: "h1", Status: model.StatusActive,
	})
	hub := &fakeHub{fetchErr: errors.New("hub unreachable")}
	gm := &fakeOrigin{source: model.SourceGmail}

	sum, err := newEngine(t, s, hub, gm).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !sum.HubFetchFailed {
		t.Errorf("hub fetch failure not reported: %+v", sum)
	}
	if sum.Completed != 1 {
		t.Errorf("an empty hub snapshot completes active records: %+v", sum)
	}
}

// A failed mirror creation takes no store action; the task is retried on
// the next cycle.
func TestCreateFailureRetriedNextCycle(t *testing.T) {
	s := newMemStore()
	hub := &fakeHub{openIDs: map[string]struct{}{}, createErr: errors.New("hub rate limited")}
	gm := &fakeOrigin{source: model.SourceGmail, tasks: []model.UnifiedTask{gmailTask("m1", "Reply", model.PriorityNormal)}}
	e := newEngine(t, s, hub, gm)

	sum, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.CreateFailures[model.SourceGmail] != 1 || sum.Ingested != 0 {
		t.Errorf("expected create failure without ingestion, got %+v", sum)
	}
	if len(s.records) != 0 {
		t.Errorf("failed create must leave no record: %+v", s.records)
	}

	hub.createErr = nil
	sum, err = e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if sum.Ingested != 1 {
		t.Errorf("task not retried after failed create: %+v", sum)
	}
}

// Store failures are the only fatal ones.
func TestStoreFailuresAbortCycle(t *testing.T) {
	loadFail := newMemStore()
	loadFail.loadErr = errors.New("disk gone")
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	if _, err := newEngine(t, loadFail, hub).RunCycle(context.Background()); err == nil {
		t.Error("LoadAll failure must abort the cycle")
	}

	upsertFail := newMemStore()
	upsertFail.upsertErr = errors.New("disk gone")
	gm := &fakeOrigin{source: model.SourceGmail, tasks: []model.UnifiedTask{gmailTask("m1", "Reply", model.PriorityNormal)}}
	if _, err := newEngine(t, upsertFail, hub, gm).RunCycle(context.Background()); err == nil {
		t.Error("Upsert failure must abort the cycle")
	}
}

func TestResolveReceivesOriginContext(t *testing.T) {
	s := newMemStore(model.TrackedRecord{
		SourceID: "t1", SourceType: model.SourceOutlook, HubID: "h1",
		Status: model.StatusActive, OriginContext: "list-42",
	})
	hub := &fakeHub{openIDs: map[string]struct{}{}}
	ol := &fakeOrigin{source: model.SourceOutlook}

	if _, err := newEngine(t, s, hub, ol).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(ol.resolved) != 1 || ol.resolved[0] != "t1|list-42" {
		t.Errorf("resolve did not receive stored origin context: %v", ol.resolved)
	}
}

func TestMirrorTitle(t *testing.T) {
	got := engine.MirrorTitle(gmailTask("m1", "Reply to Dana", model.PriorityHigh))
	if got != "[GMAIL] Reply to Dana" {
		t.Errorf("unexpected mirror title %q", got)
	}
}
