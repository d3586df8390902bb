package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamloop/internal/models"
)

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "sessions.json"), opts...)
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	return store
}

func testActiveSession(id string) models.ActiveSession {
	return models.ActiveSession{SessionCore: models.SessionCore{
		ID:        id,
		Owner:     "admin",
		VideoFile: id + ".mp4",
		Platform:  models.PlatformYouTube,
		StreamKey: "key-" + id,
		StartedAt: time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC),
	}}
}

func TestNewStorageMissingFileStartsEmpty(t *testing.T) {
	store := newTestStorage(t)

	active, err := store.ListActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ListActiveSessions returned error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}
	inactive, err := store.ListInactiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ListInactiveSessions returned error: %v", err)
	}
	if len(inactive) != 0 {
		t.Fatalf("expected no inactive sessions, got %d", len(inactive))
	}
}

func TestNewStorageEmptyFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	if _, ok, err := store.GetActiveSession(context.Background(), "anything"); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
}

func TestInsertActiveSessionPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	if err := store.InsertActiveSession(context.Background(), testActiveSession("My-Show")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	session, ok, err := reopened.GetActiveSession(context.Background(), "My-Show")
	if err != nil {
		t.Fatalf("GetActiveSession returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected session to survive reopen")
	}
	if session.StreamKey != "key-My-Show" || session.Platform != models.PlatformYouTube {
		t.Fatalf("unexpected session after reopen: %+v", session)
	}
}

func TestInsertActiveSessionRejectsIDInUse(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, testActiveSession("show")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}
	if err := store.InsertActiveSession(ctx, testActiveSession("show")); !errors.Is(err, ErrSessionIDInUse) {
		t.Fatalf("expected ErrSessionIDInUse for active duplicate, got %v", err)
	}

	if _, err := store.DeactivateSession(ctx, "show", models.StopReasonAdmin, time.Now()); err != nil {
		t.Fatalf("DeactivateSession returned error: %v", err)
	}
	if err := store.InsertActiveSession(ctx, testActiveSession("show")); !errors.Is(err, ErrSessionIDInUse) {
		t.Fatalf("expected ErrSessionIDInUse for inactive duplicate, got %v", err)
	}
}

func TestSessionIDInUseCoversPendingSchedules(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	record := models.ScheduleRecord{
		JobID:       "scheduled-Morning-Show-1770000000",
		SessionName: "Morning Show!",
		Owner:       "admin",
		Platform:    models.PlatformYouTube,
		StreamKey:   "key",
		VideoFile:   "intro.mp4",
		StartTime:   time.Now().Add(time.Hour),
		Status:      models.ScheduleStatusScheduled,
		CreatedAt:   time.Now(),
	}
	if err := store.UpsertSchedule(ctx, record); err != nil {
		t.Fatalf("UpsertSchedule returned error: %v", err)
	}

	inUse, err := store.SessionIDInUse(ctx, models.SanitizeSessionName("Morning Show!"))
	if err != nil {
		t.Fatalf("SessionIDInUse returned error: %v", err)
	}
	if !inUse {
		t.Fatal("expected pending schedule to reserve the session id")
	}

	if _, err := store.SetScheduleStatus(ctx, record.JobID, models.ScheduleStatusCancelled); err != nil {
		t.Fatalf("SetScheduleStatus returned error: %v", err)
	}
	inUse, err = store.SessionIDInUse(ctx, models.SanitizeSessionName("Morning Show!"))
	if err != nil {
		t.Fatalf("SessionIDInUse returned error: %v", err)
	}
	if inUse {
		t.Fatal("cancelled schedule should release the session id")
	}
}

func TestDeactivateSessionMovesBetweenBuckets(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	stoppedAt := time.Date(2026, 2, 10, 11, 0, 0, 0, time.UTC)

	if err := store.InsertActiveSession(ctx, testActiveSession("show")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}
	inactive, err := store.DeactivateSession(ctx, "show", models.StopReasonAdmin, stoppedAt)
	if err != nil {
		t.Fatalf("DeactivateSession returned error: %v", err)
	}
	if inactive.StopReason != models.StopReasonAdmin {
		t.Fatalf("expected stop reason %q, got %q", models.StopReasonAdmin, inactive.StopReason)
	}
	if !inactive.StoppedAt.Equal(stoppedAt) {
		t.Fatalf("expected stopped at %v, got %v", stoppedAt, inactive.StoppedAt)
	}

	if _, ok, err := store.GetActiveSession(ctx, "show"); err != nil || ok {
		t.Fatalf("session should have left the active bucket, ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.GetInactiveSession(ctx, "show"); err != nil || !ok {
		t.Fatalf("session should be in the inactive bucket, ok=%v err=%v", ok, err)
	}

	if _, err := store.DeactivateSession(ctx, "show", models.StopReasonAdmin, stoppedAt); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for repeated deactivate, got %v", err)
	}
}

func TestMutatePersistFailureLeavesStateUntouched(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if err := store.InsertActiveSession(ctx, testActiveSession("show")); err != nil {
		t.Fatalf("InsertActiveSession returned error: %v", err)
	}

	persistErr := errors.New("disk full")
	store.persistOverride = func(dataset) error { return persistErr }
	if _, err := store.DeactivateSession(ctx, "show", models.StopReasonAdmin, time.Now()); !errors.Is(err, persistErr) {
		t.Fatalf("expected persist error, got %v", err)
	}
	store.persistOverride = nil

	if _, ok, err := store.GetActiveSession(ctx, "show"); err != nil || !ok {
		t.Fatalf("failed persist must not commit the deactivation, ok=%v err=%v", ok, err)
	}
}

func TestAcquireTimesOutWhenLockHeld(t *testing.T) {
	store := newTestStorage(t, WithLockTimeout(20*time.Millisecond))

	if err := store.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	defer store.sem.Release(1)

	if err := store.InsertActiveSession(context.Background(), testActiveSession("show")); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestApplyReconciliationAppliesAndCounts(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"keep", "drop", "heal"} {
		if err := store.InsertActiveSession(ctx, testActiveSession(id)); err != nil {
			t.Fatalf("InsertActiveSession(%s) returned error: %v", id, err)
		}
	}

	outcome, err := store.ApplyReconciliation(ctx, ReconciliationChanges{
		Recoveries: []Recovery{{SessionID: "heal", When: now}},
		Demotions: []Demotion{
			{SessionID: "drop", Reason: models.StopReasonVideoMissing, When: now},
			{SessionID: "gone", Reason: models.StopReasonRecoveryError, When: now},
		},
	})
	if err != nil {
		t.Fatalf("ApplyReconciliation returned error: %v", err)
	}
	if outcome.Recovered != 1 || outcome.Demoted != 1 || outcome.ActiveRemaining != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	healed, ok, err := store.GetActiveSession(ctx, "heal")
	if err != nil || !ok {
		t.Fatalf("recovered session should stay active, ok=%v err=%v", ok, err)
	}
	if healed.RecoveryCount != 1 || healed.RecoveredAt == nil || !healed.RecoveredAt.Equal(now) {
		t.Fatalf("recovery stamp missing: %+v", healed)
	}

	dropped, ok, err := store.GetInactiveSession(ctx, "drop")
	if err != nil || !ok {
		t.Fatalf("demoted session should be inactive, ok=%v err=%v", ok, err)
	}
	if dropped.StopReason != models.StopReasonVideoMissing {
		t.Fatalf("expected stop reason %q, got %q", models.StopReasonVideoMissing, dropped.StopReason)
	}

	// Re-applying the same changes is a no-op: "drop" already left the
	// active bucket and "heal" picks up a second recovery stamp only.
	again, err := store.ApplyReconciliation(ctx, ReconciliationChanges{
		Demotions: []Demotion{{SessionID: "drop", Reason: models.StopReasonVideoMissing, When: now}},
	})
	if err != nil {
		t.Fatalf("second ApplyReconciliation returned error: %v", err)
	}
	if again.Demoted != 0 || again.ActiveRemaining != 2 {
		t.Fatalf("expected no-op second sweep, got %+v", again)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	record := models.ScheduleRecord{
		JobID:       "scheduled-show-1770000000",
		SessionName: "show",
		Owner:       "admin",
		Platform:    models.PlatformFacebook,
		StreamKey:   "key",
		VideoFile:   "loop.mp4",
		StartTime:   time.Now().Add(2 * time.Hour),
		Status:      models.ScheduleStatusScheduled,
		CreatedAt:   time.Now(),
	}
	if err := store.UpsertSchedule(ctx, record); err != nil {
		t.Fatalf("UpsertSchedule returned error: %v", err)
	}

	got, ok, err := store.GetSchedule(ctx, record.JobID)
	if err != nil || !ok {
		t.Fatalf("GetSchedule ok=%v err=%v", ok, err)
	}
	if got.Platform != models.PlatformFacebook {
		t.Fatalf("unexpected schedule: %+v", got)
	}

	updated, err := store.SetScheduleStatus(ctx, record.JobID, models.ScheduleStatusFired)
	if err != nil {
		t.Fatalf("SetScheduleStatus returned error: %v", err)
	}
	if updated.Status != models.ScheduleStatusFired {
		t.Fatalf("expected fired status, got %q", updated.Status)
	}

	if err := store.DeleteSchedule(ctx, record.JobID); err != nil {
		t.Fatalf("DeleteSchedule returned error: %v", err)
	}
	if err := store.DeleteSchedule(ctx, record.JobID); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
	if _, err := store.SetScheduleStatus(ctx, record.JobID, models.ScheduleStatusCancelled); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}
