package supervisor

import (
	"context"
	"fmt"
)

// StartParams captures the information required to provision a supervised
// streaming unit for one session.
type StartParams struct {
	// SessionID is the stable identifier the unit is named after.
	SessionID string

	// VideoPath is the absolute path of the source file the unit loops.
	VideoPath string

	// DestinationURL is the RTMP endpoint prefix for the target platform.
	DestinationURL string

	// StreamKey authenticates the publish and is appended to the
	// destination as the final path segment.
	StreamKey string
}

// Supervisor wraps the OS process-supervision primitives used to run a
// streaming session as a long-lived, auto-restarting unit.
//
// Implementations hold no in-process state: every query reflects the live
// system registry. Implementations should be safe for concurrent use.
type Supervisor interface {
	// Start (re)creates and starts the supervised unit for the session.
	// Restart-on-crash policy belongs to the OS supervisor; callers do not
	// retry a failed Start beyond reporting it.
	Start(ctx context.Context, params StartParams) error

	// Stop halts and deregisters the unit. An already-stopped or missing
	// unit is not an error.
	Stop(ctx context.Context, sessionID string) error

	// IsRunning reports point-in-time liveness. An inconclusive probe
	// reads as false so recovery can attempt recreation rather than hang.
	IsRunning(ctx context.Context, sessionID string) bool

	// ListUnits enumerates the session ids of every unit this system
	// created, tracked in the store or not.
	ListUnits(ctx context.Context) ([]string, error)
}

// Error describes a failed supervisor operation with enough context for an
// operator to act on.
type Error struct {
	Op   string
	Unit string
	Err  error
}

func (e *Error) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("supervisor %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("supervisor %s %s: %v", e.Op, e.Unit, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NoopSupervisor is a Supervisor used in tests and in deployments where
// process supervision is intentionally disabled. Start and Stop succeed
// without side effects and no unit ever reports as running.
type NoopSupervisor struct{}

func (NoopSupervisor) Start(ctx context.Context, params StartParams) error { return nil }

func (NoopSupervisor) Stop(ctx context.Context, sessionID string) error { return nil }

func (NoopSupervisor) IsRunning(ctx context.Context, sessionID string) bool { return false }

func (NoopSupervisor) ListUnits(ctx context.Context) ([]string, error) { return nil, nil }
