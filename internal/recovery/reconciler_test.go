package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"streamloop/internal/models"
	"streamloop/internal/observability/metrics"
	"streamloop/internal/storage"
	"streamloop/internal/supervisor"
)

type fakeSupervisor struct {
	running  map[string]bool
	units    []string
	started  []string
	stopped  []string
	startErr map[string]error
	stopErr  map[string]error
	listErr  error
}

func (f *fakeSupervisor) Start(ctx context.Context, params supervisor.StartParams) error {
	if err := f.startErr[params.SessionID]; err != nil {
		return err
	}
	f.started = append(f.started, params.SessionID)
	if f.running == nil {
		f.running = make(map[string]bool)
	}
	f.running[params.SessionID] = true
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, sessionID string) error {
	if err := f.stopErr[sessionID]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, sessionID)
	delete(f.running, sessionID)
	return nil
}

func (f *fakeSupervisor) IsRunning(ctx context.Context, sessionID string) bool {
	return f.running[sessionID]
}

func (f *fakeSupervisor) ListUnits(ctx context.Context) ([]string, error) {
	return f.units, f.listErr
}

type fakeLibrary struct {
	files map[string]bool
}

func (f *fakeLibrary) Exists(name string) bool { return f.files[name] }

func (f *fakeLibrary) AbsolutePath(name string) string {
	return filepath.Join("/videos", name)
}

func activeSession(id, videoFile string) models.ActiveSession {
	return models.ActiveSession{SessionCore: models.SessionCore{
		ID:        id,
		Owner:     "admin",
		VideoFile: videoFile,
		Platform:  models.PlatformYouTube,
		StreamKey: "key-" + id,
		StartedAt: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC),
	}}
}

func newTestReconciler(t *testing.T, sup *fakeSupervisor, library *fakeLibrary) (*Reconciler, storage.Repository) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	reconciler, err := NewReconciler(Config{
		Store:      store,
		Supervisor: sup,
		Videos:     library,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Recorder:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewReconciler returned error: %v", err)
	}
	return reconciler, store
}

func TestSweepLeavesHealthySessionsUntouched(t *testing.T) {
	sup := &fakeSupervisor{running: map[string]bool{"healthy": true}}
	library := &fakeLibrary{files: map[string]bool{"loop.mp4": true}}
	reconciler, store := newTestReconciler(t, sup, library)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, activeSession("healthy", "loop.mp4")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	result, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.Recovered != 0 || result.MovedToInactive != 0 || result.TotalActive != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(sup.started) != 0 {
		t.Fatalf("healthy session must not be restarted, got %v", sup.started)
	}
}

func TestSweepRestartsOrphanWithVideoPresent(t *testing.T) {
	sup := &fakeSupervisor{}
	library := &fakeLibrary{files: map[string]bool{"loop.mp4": true}}
	reconciler, store := newTestReconciler(t, sup, library)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, activeSession("orphan", "loop.mp4")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	result, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.Recovered != 1 || result.MovedToInactive != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	session, ok, err := store.GetActiveSession(ctx, "orphan")
	if err != nil || !ok {
		t.Fatalf("recovered session missing, ok=%v err=%v", ok, err)
	}
	if session.RecoveryCount != 1 || session.RecoveredAt == nil {
		t.Fatalf("recovery not stamped: %+v", session)
	}
}

func TestSweepDemotesWhenVideoMissing(t *testing.T) {
	sup := &fakeSupervisor{}
	library := &fakeLibrary{files: map[string]bool{}}
	reconciler, store := newTestReconciler(t, sup, library)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, activeSession("s1", "deleted.mp4")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	result, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.Recovered != 0 || result.MovedToInactive != 1 || result.TotalActive != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(sup.started) != 0 {
		t.Fatalf("missing video must never trigger a restart, got %v", sup.started)
	}

	inactive, ok, err := store.GetInactiveSession(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("demoted session missing from history, ok=%v err=%v", ok, err)
	}
	if inactive.StopReason != models.StopReasonVideoMissing {
		t.Fatalf("expected reason %q, got %q", models.StopReasonVideoMissing, inactive.StopReason)
	}
}

func TestSweepDemotesWhenRestartFails(t *testing.T) {
	sup := &fakeSupervisor{startErr: map[string]error{"broken": errors.New("systemctl start failed")}}
	library := &fakeLibrary{files: map[string]bool{"loop.mp4": true}}
	reconciler, store := newTestReconciler(t, sup, library)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, activeSession("broken", "loop.mp4")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	result, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.MovedToInactive != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	inactive, ok, err := store.GetInactiveSession(ctx, "broken")
	if err != nil || !ok {
		t.Fatalf("demoted session missing from history, ok=%v err=%v", ok, err)
	}
	if inactive.StopReason != models.StopReasonRecoveryError {
		t.Fatalf("expected reason %q, got %q", models.StopReasonRecoveryError, inactive.StopReason)
	}
}

func TestSweepSkipsRecordsMissingDestinationData(t *testing.T) {
	sup := &fakeSupervisor{}
	library := &fakeLibrary{files: map[string]bool{"loop.mp4": true}}
	reconciler, store := newTestReconciler(t, sup, library)
	ctx := context.Background()

	session := activeSession("no-key", "loop.mp4")
	session.StreamKey = ""
	if err := store.InsertActiveSession(ctx, session); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	result, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if result.Recovered != 0 || result.MovedToInactive != 0 || result.TotalActive != 1 {
		t.Fatalf("record without stream key must stay active untouched: %+v", result)
	}
}

func TestSweepIsIdempotentWithoutSupervisorChange(t *testing.T) {
	sup := &fakeSupervisor{}
	library := &fakeLibrary{files: map[string]bool{"loop.mp4": true}}
	reconciler, store := newTestReconciler(t, sup, library)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, activeSession("orphan", "loop.mp4")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}
	if err := store.InsertActiveSession(ctx, activeSession("dead", "gone.mp4")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	first, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("first Sweep returned error: %v", err)
	}
	if first.Recovered != 1 || first.MovedToInactive != 1 {
		t.Fatalf("unexpected first sweep: %+v", first)
	}

	second, err := reconciler.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep returned error: %v", err)
	}
	if second.Recovered != 0 || second.MovedToInactive != 0 || second.TotalActive != 1 {
		t.Fatalf("second sweep must be a no-op: %+v", second)
	}
}

func TestCleanupOrphansRemovesUnknownUnits(t *testing.T) {
	sup := &fakeSupervisor{units: []string{"known", "stale-1", "stale-2"}}
	library := &fakeLibrary{files: map[string]bool{"loop.mp4": true}}
	reconciler, store := newTestReconciler(t, sup, library)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, activeSession("known", "loop.mp4")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	removed, err := reconciler.CleanupOrphans(ctx)
	if err != nil {
		t.Fatalf("CleanupOrphans returned error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 units removed, got %d", removed)
	}
	for _, id := range sup.stopped {
		if id == "known" {
			t.Fatal("unit backed by an active record must not be removed")
		}
	}
}

func TestSweepReturnsCountsWhenCommitFails(t *testing.T) {
	sup := &fakeSupervisor{}
	library := &fakeLibrary{files: map[string]bool{}}
	store := &failingStore{}
	reconciler, err := NewReconciler(Config{
		Store:      store,
		Supervisor: sup,
		Videos:     library,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Recorder:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewReconciler returned error: %v", err)
	}

	result, err := reconciler.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected commit failure to surface")
	}
	if result.MovedToInactive != 1 {
		t.Fatalf("intended counts must be reported on commit failure: %+v", result)
	}
}

// failingStore serves one active session whose commit always fails.
type failingStore struct {
	storage.Repository
}

func (f *failingStore) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	return []models.ActiveSession{activeSession("doomed", "gone.mp4")}, nil
}

func (f *failingStore) ApplyReconciliation(ctx context.Context, changes storage.ReconciliationChanges) (storage.ReconciliationOutcome, error) {
	return storage.ReconciliationOutcome{}, errors.New("disk full")
}
