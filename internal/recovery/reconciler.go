package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamloop/internal/models"
	"streamloop/internal/observability/logging"
	"streamloop/internal/observability/metrics"
	"streamloop/internal/storage"
	"streamloop/internal/supervisor"
)

// VideoLibrary is the slice of the video store the reconciler probes while
// deciding whether an orphaned session can be restarted.
type VideoLibrary interface {
	Exists(name string) bool
	AbsolutePath(name string) string
}

// SweepResult reports what one reconciliation pass did.
type SweepResult struct {
	Recovered       int `json:"recovered"`
	MovedToInactive int `json:"movedToInactive"`
	TotalActive     int `json:"totalActive"`
	OrphansRemoved  int `json:"orphansRemoved"`
}

// Config wires the reconciler's collaborators.
type Config struct {
	Store      storage.Repository
	Supervisor supervisor.Supervisor
	Videos     VideoLibrary
	Logger     *slog.Logger
	Recorder   *metrics.Recorder
	Now        func() time.Time
}

// Reconciler repairs drift between the store's declared state and the
// supervisor's observed state. Probes run before the store lock is taken;
// the resulting demotions and recoveries for one sweep commit as a single
// store write.
type Reconciler struct {
	store      storage.Repository
	supervisor supervisor.Supervisor
	videos     VideoLibrary
	logger     *slog.Logger
	recorder   *metrics.Recorder
	now        func() time.Time
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconciler requires a store")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("reconciler requires a supervisor")
	}
	if cfg.Videos == nil {
		return nil, fmt.Errorf("reconciler requires a video library")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		videos:     cfg.Videos,
		logger:     logging.WithComponent(logger, "recovery"),
		recorder:   recorder,
		now:        now,
	}, nil
}

// Sweep inspects every active session, restarts orphans whose video still
// exists, and demotes the rest. The whole sweep commits in one store write;
// when that write fails the computed counts are still returned alongside the
// error so operators can see what the sweep wanted to do, with the
// understanding that nothing durably changed and the sweep must re-run.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	active, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list active sessions: %w", err)
	}

	now := r.now().UTC()
	changes := storage.ReconciliationChanges{}
	for _, session := range active {
		logger := r.logger.With("session_id", session.ID)

		if r.supervisor.IsRunning(ctx, session.ID) {
			continue
		}

		if strings.TrimSpace(session.VideoFile) == "" || !r.videos.Exists(session.VideoFile) {
			logger.Warn("orphaned session has no video file, demoting", "video", session.VideoFile)
			changes.Demotions = append(changes.Demotions, storage.Demotion{
				SessionID: session.ID,
				Reason:    models.StopReasonVideoMissing,
				When:      now,
			})
			continue
		}

		if !session.Platform.Supported() || strings.TrimSpace(session.StreamKey) == "" {
			// No safe automated action exists for a record with a
			// broken destination; leave it active and flag it.
			logger.Warn("active session record is missing destination data, skipping",
				"platform", string(session.Platform))
			continue
		}

		destination, err := session.Platform.DestinationURL(session.StreamKey)
		if err != nil {
			logger.Warn("active session record has no resolvable destination, skipping", "error", err)
			continue
		}

		r.recorder.ObserveSupervisorAttempt("start")
		startErr := r.supervisor.Start(ctx, supervisor.StartParams{
			SessionID:      session.ID,
			VideoPath:      r.videos.AbsolutePath(session.VideoFile),
			DestinationURL: destination,
			StreamKey:      session.StreamKey,
		})
		if startErr != nil {
			r.recorder.ObserveSupervisorFailure("start")
			logger.Error("failed to restart orphaned session, demoting", "error", startErr)
			changes.Demotions = append(changes.Demotions, storage.Demotion{
				SessionID: session.ID,
				Reason:    models.StopReasonRecoveryError,
				When:      now,
			})
			continue
		}

		logger.Info("restarted orphaned session")
		changes.Recoveries = append(changes.Recoveries, storage.Recovery{SessionID: session.ID, When: now})
	}

	if len(changes.Demotions) == 0 && len(changes.Recoveries) == 0 {
		return SweepResult{TotalActive: len(active)}, nil
	}

	outcome, err := r.store.ApplyReconciliation(ctx, changes)
	if err != nil {
		intended := SweepResult{
			Recovered:       len(changes.Recoveries),
			MovedToInactive: len(changes.Demotions),
			TotalActive:     len(active) - len(changes.Demotions),
		}
		return intended, fmt.Errorf("commit reconciliation: %w", err)
	}

	result := SweepResult{
		Recovered:       outcome.Recovered,
		MovedToInactive: outcome.Demoted,
		TotalActive:     outcome.ActiveRemaining,
	}
	r.recorder.ObserveSweep("recovered", result.Recovered)
	r.recorder.ObserveSweep("demoted", result.MovedToInactive)
	r.recorder.SetActiveSessions(int64(result.TotalActive))
	return result, nil
}

// CleanupOrphans tears down every supervised unit whose session id is absent
// from the active bucket. Units that fail to stop are logged and left for the
// next pass.
func (r *Reconciler) CleanupOrphans(ctx context.Context) (int, error) {
	units, err := r.supervisor.ListUnits(ctx)
	if err != nil {
		return 0, fmt.Errorf("list supervised units: %w", err)
	}
	if len(units) == 0 {
		return 0, nil
	}

	active, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	known := make(map[string]struct{}, len(active))
	for _, session := range active {
		known[session.ID] = struct{}{}
	}

	removed := 0
	for _, unit := range units {
		if _, ok := known[unit]; ok {
			continue
		}
		r.recorder.ObserveSupervisorAttempt("stop")
		if err := r.supervisor.Stop(ctx, unit); err != nil {
			r.recorder.ObserveSupervisorFailure("stop")
			r.logger.Error("failed to remove orphaned unit", "session_id", unit, "error", err)
			continue
		}
		r.logger.Info("removed orphaned unit", "session_id", unit)
		removed++
	}
	r.recorder.ObserveSweep("orphans_removed", removed)
	return removed, nil
}

// Run performs one full pass: session sweep first, then orphan-unit cleanup.
// Used by the periodic worker, the on-demand API trigger, and startup
// recovery alike.
func (r *Reconciler) Run(ctx context.Context) (SweepResult, error) {
	result, sweepErr := r.Sweep(ctx)
	if sweepErr != nil {
		return result, sweepErr
	}
	removed, cleanupErr := r.CleanupOrphans(ctx)
	result.OrphansRemoved = removed
	return result, cleanupErr
}
