package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	// DefaultUnitPrefix names every unit this system creates so orphan
	// sweeps can recognise them without consulting the store.
	DefaultUnitPrefix = "streamloop-"

	defaultUnitDir        = "/etc/systemd/system"
	defaultSystemctlPath  = "systemctl"
	defaultFFmpegPath     = "/usr/bin/ffmpeg"
	defaultCommandTimeout = 30 * time.Second
)

// commandRunner abstracts systemctl invocation so tests can substitute
// canned transcripts for the real binary.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// pidProber reports whether a PID refers to a live process.
type pidProber func(pid int32) bool

// SystemdConfig configures the systemd-backed Supervisor.
type SystemdConfig struct {
	UnitPrefix     string
	UnitDir        string
	SystemctlPath  string
	FFmpegPath     string
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Systemd supervises streaming sessions as systemd service units. Each unit
// runs ffmpeg looping the source file into the destination, with
// Restart=always delegated to systemd.
type Systemd struct {
	unitPrefix     string
	unitDir        string
	systemctlPath  string
	ffmpegPath     string
	commandTimeout time.Duration
	logger         *slog.Logger
	runner         commandRunner
	pidAlive       pidProber
}

// NewSystemd constructs a Systemd supervisor from the provided configuration,
// applying defaults for unset fields.
func NewSystemd(cfg SystemdConfig) *Systemd {
	s := &Systemd{
		unitPrefix:     strings.TrimSpace(cfg.UnitPrefix),
		unitDir:        strings.TrimSpace(cfg.UnitDir),
		systemctlPath:  strings.TrimSpace(cfg.SystemctlPath),
		ffmpegPath:     strings.TrimSpace(cfg.FFmpegPath),
		commandTimeout: cfg.CommandTimeout,
		logger:         cfg.Logger,
		runner:         execRunner{},
		pidAlive:       pidExists,
	}
	if s.unitPrefix == "" {
		s.unitPrefix = DefaultUnitPrefix
	}
	if s.unitDir == "" {
		s.unitDir = defaultUnitDir
	}
	if s.systemctlPath == "" {
		s.systemctlPath = defaultSystemctlPath
	}
	if s.ffmpegPath == "" {
		s.ffmpegPath = defaultFFmpegPath
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = defaultCommandTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func pidExists(pid int32) bool {
	alive, err := process.PidExists(pid)
	if err != nil {
		return false
	}
	return alive
}

func (s *Systemd) unitName(sessionID string) string {
	return s.unitPrefix + sessionID
}

func (s *Systemd) unitFilePath(sessionID string) string {
	return filepath.Join(s.unitDir, s.unitName(sessionID)+".service")
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	return s.runner.Run(ctx, s.systemctlPath, args...)
}

// unitFileContent renders the service definition. The ffmpeg invocation
// loops the source indefinitely and re-encodes to a broadcast-safe profile;
// systemd restarts the process on crash with a five second delay.
func (s *Systemd) unitFileContent(params StartParams) string {
	publishURL := params.DestinationURL + "/" + params.StreamKey
	return fmt.Sprintf(`[Unit]
Description=StreamLoop session %s
After=network.target

[Service]
Type=simple
ExecStart=%s -re -stream_loop -1 -i %q -c:v libx264 -preset veryfast -maxrate 3000k -bufsize 6000k -pix_fmt yuv420p -g 50 -c:a aac -b:a 160k -ac 2 -ar 44100 -f flv %q
Restart=always
RestartSec=5
User=root

[Install]
WantedBy=multi-user.target
`, params.SessionID, s.ffmpegPath, params.VideoPath, publishURL)
}

// Start writes the unit file and asks systemd to enable and start it. A unit
// left over from a previous attempt is replaced.
func (s *Systemd) Start(ctx context.Context, params StartParams) error {
	unit := s.unitName(params.SessionID)
	if err := os.WriteFile(s.unitFilePath(params.SessionID), []byte(s.unitFileContent(params)), 0o644); err != nil {
		return &Error{Op: "start", Unit: unit, Err: fmt.Errorf("write unit file: %w", err)}
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return &Error{Op: "start", Unit: unit, Err: fmt.Errorf("daemon-reload: %w", err)}
	}
	if _, err := s.systemctl(ctx, "enable", unit); err != nil {
		return &Error{Op: "start", Unit: unit, Err: fmt.Errorf("enable: %w", err)}
	}
	if _, err := s.systemctl(ctx, "start", unit); err != nil {
		return &Error{Op: "start", Unit: unit, Err: fmt.Errorf("start: %w", err)}
	}
	s.logger.Info("supervised unit started", "unit", unit, "video", params.VideoPath)
	return nil
}

// Stop halts, disables, and deregisters the unit. Stop and disable failures
// are tolerated so a unit that already vanished is not an error; removing
// the unit file and reloading the daemon are the authoritative steps.
func (s *Systemd) Stop(ctx context.Context, sessionID string) error {
	unit := s.unitName(sessionID)
	if _, err := s.systemctl(ctx, "stop", unit); err != nil {
		s.logger.Debug("stop reported error", "unit", unit, "error", err)
	}
	if _, err := s.systemctl(ctx, "disable", unit); err != nil {
		s.logger.Debug("disable reported error", "unit", unit, "error", err)
	}
	if err := os.Remove(s.unitFilePath(sessionID)); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "stop", Unit: unit, Err: fmt.Errorf("remove unit file: %w", err)}
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return &Error{Op: "stop", Unit: unit, Err: fmt.Errorf("daemon-reload: %w", err)}
	}
	s.logger.Info("supervised unit removed", "unit", unit)
	return nil
}

// IsRunning asks systemd whether the unit is active, then cross-checks the
// reported MainPID against the live process table. A unit stuck in a
// restart loop with a dead PID reads as not running so recovery recreates
// it. Any probe failure reads as not running.
func (s *Systemd) IsRunning(ctx context.Context, sessionID string) bool {
	unit := s.unitName(sessionID)
	out, err := s.systemctl(ctx, "is-active", unit)
	if err != nil || strings.TrimSpace(out) != "active" {
		return false
	}
	pidOut, err := s.systemctl(ctx, "show", unit, "--property=MainPID", "--value")
	if err != nil {
		return true
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(pidOut), 10, 32)
	if err != nil || pid <= 0 {
		return true
	}
	return s.pidAlive(int32(pid))
}

// ListUnits enumerates the session ids of every unit carrying this
// supervisor's prefix, whatever their current state.
func (s *Systemd) ListUnits(ctx context.Context) ([]string, error) {
	out, err := s.systemctl(ctx, "list-units", "--type=service", "--all", "--no-pager", "--plain", "--no-legend")
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	return s.parseUnitList(out), nil
}

func (s *Systemd) parseUnitList(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if !strings.HasSuffix(name, ".service") {
			continue
		}
		name = strings.TrimSuffix(name, ".service")
		if !strings.HasPrefix(name, s.unitPrefix) {
			continue
		}
		if id := strings.TrimPrefix(name, s.unitPrefix); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
