package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// session lifecycle events, supervisor operations, and reconciliation sweeps.
// It coordinates concurrent writers via a RWMutex while exposing a
// thread-safe gauge for active session tracking.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	sessionEvents      map[string]uint64
	supervisorAttempts map[string]uint64
	supervisorFailures map[string]uint64
	sweepOutcomes      map[string]uint64
	activeSessions     atomic.Int64
	scheduledJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		sessionEvents:      make(map[string]uint64),
		supervisorAttempts: make(map[string]uint64),
		supervisorFailures: make(map[string]uint64),
		sweepOutcomes:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a start lifecycle event and increments the active
// session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records a stop lifecycle event and decrements the active
// session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionStopped() {
	r.incrementSessionEvent("stop")
	r.decrementGauge(&r.activeSessions)
}

// SessionRecovered records a successful restart of a drifted session. The
// session stays in the active gauge.
func (r *Recorder) SessionRecovered() {
	r.incrementSessionEvent("recover")
}

// SessionDemoted records a session moved to the inactive bucket by a
// reconciliation sweep rather than an operator.
func (r *Recorder) SessionDemoted() {
	r.incrementSessionEvent("demote")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// SetActiveSessions overwrites the active session gauge, used after startup
// recovery or a sweep recomputes the authoritative count from the store.
func (r *Recorder) SetActiveSessions(count int64) {
	if count < 0 {
		count = 0
	}
	r.activeSessions.Store(count)
}

// ActiveSessions exposes the current gauge of concurrently active sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SetScheduledJobs overwrites the pending schedule gauge.
func (r *Recorder) SetScheduledJobs(count int64) {
	if count < 0 {
		count = 0
	}
	r.scheduledJobs.Store(count)
}

// ScheduledJobs exposes the current number of armed schedule timers.
func (r *Recorder) ScheduledJobs() int64 {
	return r.scheduledJobs.Load()
}

// ObserveSupervisorAttempt records a supervisor operation attempt keyed by
// operation name (e.g. "start", "stop", "is-running").
func (r *Recorder) ObserveSupervisorAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.supervisorAttempts[op]++
	r.mu.Unlock()
}

// ObserveSupervisorFailure records a failed supervisor operation keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveSupervisorFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.supervisorFailures[op]++
	r.mu.Unlock()
}

// ObserveSweep accumulates reconciliation sweep outcomes by kind
// ("recovered", "demoted", "orphans_removed", "errors").
func (r *Recorder) ObserveSweep(kind string, count int) {
	if count <= 0 {
		return
	}
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.sweepOutcomes[normalized] += uint64(count)
	r.mu.Unlock()
}

// SupervisorCounts returns copies of supervisor attempt and failure counters
// for testing and reporting purposes.
func (r *Recorder) SupervisorCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.supervisorAttempts))
	for k, v := range r.supervisorAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.supervisorFailures))
	for k, v := range r.supervisorFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.supervisorAttempts = make(map[string]uint64)
	r.supervisorFailures = make(map[string]uint64)
	r.sweepOutcomes = make(map[string]uint64)
	r.activeSessions.Store(0)
	r.scheduledJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	supervisorOps := r.sortedSupervisorOperations()
	sweepKinds := sortedKeys(r.sweepOutcomes)

	fmt.Fprintln(w, "# HELP streamloop_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamloop_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamloop_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamloop_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamloop_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamloop_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP streamloop_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE streamloop_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamloop_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamloop_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamloop_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "streamloop_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamloop_active_sessions Current number of sessions marked as active")
	fmt.Fprintln(w, "# TYPE streamloop_active_sessions gauge")
	fmt.Fprintf(w, "streamloop_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streamloop_scheduled_jobs Current number of armed schedule timers")
	fmt.Fprintln(w, "# TYPE streamloop_scheduled_jobs gauge")
	fmt.Fprintf(w, "streamloop_scheduled_jobs %d\n", r.scheduledJobs.Load())

	fmt.Fprintln(w, "# HELP streamloop_supervisor_attempts_total Total supervisor operations attempted by action")
	fmt.Fprintln(w, "# TYPE streamloop_supervisor_attempts_total counter")
	for _, op := range supervisorOps {
		fmt.Fprintf(w, "streamloop_supervisor_attempts_total{operation=\"%s\"} %d\n", op, r.supervisorAttempts[op])
	}

	fmt.Fprintln(w, "# HELP streamloop_supervisor_failures_total Total supervisor operation failures by action")
	fmt.Fprintln(w, "# TYPE streamloop_supervisor_failures_total counter")
	for _, op := range supervisorOps {
		fmt.Fprintf(w, "streamloop_supervisor_failures_total{operation=\"%s\"} %d\n", op, r.supervisorFailures[op])
	}

	fmt.Fprintln(w, "# HELP streamloop_reconciliation_total Reconciliation sweep outcomes by kind")
	fmt.Fprintln(w, "# TYPE streamloop_reconciliation_total counter")
	for _, kind := range sweepKinds {
		fmt.Fprintf(w, "streamloop_reconciliation_total{kind=\"%s\"} %d\n", kind, r.sweepOutcomes[kind])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSupervisorOperations() []string {
	seen := make(map[string]struct{}, len(r.supervisorAttempts)+len(r.supervisorFailures))
	for op := range r.supervisorAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.supervisorFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SessionStarted increments counters on the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionStopped decrements active sessions on the default recorder.
func SessionStopped() {
	defaultRecorder.SessionStopped()
}

// ObserveSupervisorAttempt records a supervisor attempt on the default recorder.
func ObserveSupervisorAttempt(operation string) {
	defaultRecorder.ObserveSupervisorAttempt(operation)
}

// ObserveSupervisorFailure records a supervisor failure on the default recorder.
func ObserveSupervisorFailure(operation string) {
	defaultRecorder.ObserveSupervisorFailure(operation)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
