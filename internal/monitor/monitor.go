// Package monitor implements the Monitor: it repeatedly invokes the platform
// probe at a configurable interval, diffs successive hook/process snapshots
// by stable identity, runs the Heuristic Engine and Decision Core on
// changed items, and publishes MonitorEvents to registered subscribers. The
// lifecycle (start/stop, cancellation, goroutine join) is grounded on the
// teacher's internal/agent.Agent; the diff algorithm and state machine are
// new to this domain.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keysentinel/agent/internal/decision"
	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/heuristics"
	"github.com/keysentinel/agent/internal/probe"
)

// State is the Monitor's explicit lifecycle state (spec §4.4/§5): a named
// state rather than a bare running bool so that "start while running" and
// "snapshot while running" are each an observable, tested transition.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// joinTimeout bounds how long Stop waits for the background cycle loop to
// exit before giving up (spec §5: "5 seconds is the reference").
const joinTimeout = 5 * time.Second

// eventLogCap bounds the in-memory event log; oldest entries are discarded
// once the cap is reached (spec §5: "implementations should document a cap
// and a discard policy").
const eventLogCap = 2000

// Subscriber receives MonitorEvents in registration order. A Subscriber
// that panics is isolated: the Monitor recovers, logs a warning, and
// continues delivering to later subscribers (spec §5 "Event delivery").
type Subscriber func(factmodel.MonitorEvent)

// SnapshotEntry is one (hook, process, assessment) tuple returned by
// Snapshot, the non-streaming on-demand entry point.
type SnapshotEntry struct {
	Hook       factmodel.HookCandidate
	Process    factmodel.ProcessFact
	Assessment factmodel.RiskAssessment
}

// Monitor owns the probe + decision pipeline and the known_hooks/
// known_processes state the diff algorithm compares each cycle against.
type Monitor struct {
	probe  probe.Probe
	engine *heuristics.Engine
	core   *decision.Core
	logger *slog.Logger

	interval time.Duration

	mu             sync.RWMutex
	state          State
	knownHooks     map[int64]factmodel.HookCandidate
	knownProcesses map[int]factmodel.ProcessFact
	subscribers    []Subscriber
	eventLog       []factmodel.MonitorEvent

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor at construction, mirroring the teacher's
// functional-options pattern for Agent.
type Option func(*Monitor)

// WithInterval overrides the default cycle interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithSubscribers registers one or more subscribers at construction time, in
// addition to any added later via Subscribe.
func WithSubscribers(subs ...Subscriber) Option {
	return func(m *Monitor) { m.subscribers = append(m.subscribers, subs...) }
}

// New constructs a Monitor. p, engine, and core must be non-nil; logger may
// be nil, in which case slog.Default() is used.
func New(p probe.Probe, engine *heuristics.Engine, core *decision.Core, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		probe:          p,
		engine:         engine,
		core:           core,
		logger:         logger,
		interval:       2 * time.Second,
		state:          StateIdle,
		knownHooks:     make(map[int64]factmodel.HookCandidate),
		knownProcesses: make(map[int]factmodel.ProcessFact),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a subscriber. Safe to call before or after Start.
func (m *Monitor) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, s)
}

// State returns the Monitor's current lifecycle state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// EventLog returns a copy of the bounded event history accumulated so far.
func (m *Monitor) EventLog() []factmodel.MonitorEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]factmodel.MonitorEvent, len(m.eventLog))
	copy(out, m.eventLog)
	return out
}

// Start transitions the Monitor from Idle to Running and begins the cycle
// loop on a background goroutine. Calling Start while already running is a
// no-op that logs a warning (spec §5 re-entrancy).
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		m.logger.Warn("monitor: start requested while not idle", slog.String("state", string(m.state)))
		return nil
	}
	m.state = StateRunning
	m.done = make(chan struct{})
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.loop(runCtx)
	return nil
}

// Stop requests the cycle loop to exit and waits up to joinTimeout for it to
// do so. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	done := m.done
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(joinTimeout):
			m.logger.Warn("monitor: cycle loop did not exit within join timeout")
		}
	}

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}

// loop runs cycles at m.interval until ctx is cancelled. It is the single
// cooperative scheduler for the monitor: one cycle always runs to
// completion before the next begins (spec §5).
func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.runCycle(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// runCycle executes the 5-step diff algorithm (spec §4.4) and publishes the
// resulting events, replacing known_hooks/known_processes wholesale at the
// end of the cycle.
func (m *Monitor) runCycle(ctx context.Context) {
	current, err := m.probe.DetectHooks(ctx)
	if err != nil {
		m.logger.Warn("monitor: probe infrastructure unavailable for this cycle", slog.Any("error", err))
		return
	}

	currentByID := make(map[int64]factmodel.HookCandidate, len(current))
	for _, h := range current {
		currentByID[h.HookID] = h
	}

	m.mu.RLock()
	knownHooks := m.knownHooks
	knownProcesses := m.knownProcesses
	m.mu.RUnlock()

	facts := make(map[int]factmodel.ProcessFact)
	factOf := func(pid int) (factmodel.ProcessFact, bool) {
		if f, ok := facts[pid]; ok {
			return f, true
		}
		pf, err := m.probe.GetProcessFact(ctx, pid)
		if err != nil || pf == nil {
			return factmodel.ProcessFact{}, false
		}
		facts[pid] = *pf
		return *pf, true
	}

	hooksOwned := make(map[int]int)
	for _, h := range current {
		hooksOwned[h.OwnerPID]++
	}

	var events []factmodel.MonitorEvent
	now := time.Now().UTC()

	// Step 3 first so REMOVED for a re-registering hook precedes its ADDED
	// within the same cycle (spec §5 ordering guarantee).
	for id, h := range knownHooks {
		if _, stillPresent := currentByID[id]; stillPresent {
			continue
		}
		hook := h
		events = append(events, factmodel.MonitorEvent{
			EventType: factmodel.EventHookRemoved,
			Hook:      &hook,
			Details:   fmt.Sprintf("hook %d (%s) owned by pid %d no longer observed", h.HookID, h.HookType, h.OwnerPID),
			Timestamp: now,
		})
	}

	for id, h := range currentByID {
		if _, known := knownHooks[id]; known {
			continue
		}
		fact, ok := factOf(h.OwnerPID)
		hook := h
		ev := factmodel.MonitorEvent{
			EventType: factmodel.EventHookAdded,
			Hook:      &hook,
			Details:   fmt.Sprintf("new hook %d (%s) owned by pid %d", h.HookID, h.HookType, h.OwnerPID),
			Timestamp: now,
		}
		if ok {
			assessment := m.engine.Analyze(fact, hooksOwned[h.OwnerPID])
			process := fact
			ev.Process = &process
			ev.Assessment = &assessment
		}
		events = append(events, ev)
	}

	for id, h := range currentByID {
		prior, wasKnown := knownHooks[id]
		if !wasKnown {
			continue
		}
		_ = prior
		fact, ok := factOf(h.OwnerPID)
		if !ok {
			continue
		}
		old, hadOld := knownProcesses[h.OwnerPID]
		if !hadOld {
			continue
		}
		if !processChanged(old, fact) {
			continue
		}
		assessment := m.engine.Analyze(fact, hooksOwned[h.OwnerPID])
		process := fact
		events = append(events, factmodel.MonitorEvent{
			EventType:  factmodel.EventProcessChanged,
			Process:    &process,
			Assessment: &assessment,
			Details:    fmt.Sprintf("process %d (%s) changed since last cycle", fact.PID, fact.Name),
			Timestamp:  now,
		})
	}

	newKnownProcesses := make(map[int]factmodel.ProcessFact, len(facts))
	for pid, f := range facts {
		newKnownProcesses[pid] = f
	}

	m.mu.Lock()
	m.knownHooks = currentByID
	m.knownProcesses = newKnownProcesses
	m.appendEventsLocked(events)
	m.mu.Unlock()

	m.publish(events)
}

// processChanged reports whether the path, signed status, or loaded-module
// set of a re-observed process differs from its prior fact (spec §4.4 step 4).
func processChanged(old, fresh factmodel.ProcessFact) bool {
	if old.Path != fresh.Path || old.IsSigned != fresh.IsSigned {
		return true
	}
	return moduleSetDiffers(old.LoadedModules, fresh.LoadedModules)
}

func moduleSetDiffers(a, b []string) bool {
	if len(a) != len(b) {
		return true
	}
	seen := make(map[string]int, len(a))
	for _, m := range a {
		seen[m]++
	}
	for _, m := range b {
		seen[m]--
	}
	for _, count := range seen {
		if count != 0 {
			return true
		}
	}
	return false
}

// appendEventsLocked appends events to the bounded event log, discarding the
// oldest entries once eventLogCap is exceeded. Callers must hold m.mu.
func (m *Monitor) appendEventsLocked(events []factmodel.MonitorEvent) {
	m.eventLog = append(m.eventLog, events...)
	if over := len(m.eventLog) - eventLogCap; over > 0 {
		m.eventLog = append([]factmodel.MonitorEvent(nil), m.eventLog[over:]...)
	}
}

// publish delivers events to subscribers synchronously, in registration
// order, isolating each subscriber from a later one's panic.
func (m *Monitor) publish(events []factmodel.MonitorEvent) {
	if len(events) == 0 {
		return
	}
	m.mu.RLock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()

	for _, ev := range events {
		for _, sub := range subs {
			m.deliver(sub, ev)
		}
	}
}

func (m *Monitor) deliver(sub Subscriber, ev factmodel.MonitorEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("monitor: subscriber panicked handling event", slog.Any("recover", r), slog.String("event_type", string(ev.EventType)))
		}
	}()
	sub(ev)
}

// Snapshot runs one probe + assessment cycle without touching known_hooks/
// known_processes and returns the observed tuples. Safe to call concurrently
// with a running monitor (spec §4.4/§5).
func (m *Monitor) Snapshot(ctx context.Context) ([]SnapshotEntry, error) {
	hooks, err := m.probe.DetectHooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: snapshot probe failed: %w", err)
	}

	hooksOwned := make(map[int]int)
	for _, h := range hooks {
		hooksOwned[h.OwnerPID]++
	}

	entries := make([]SnapshotEntry, 0, len(hooks))
	for _, h := range hooks {
		fact, err := m.probe.GetProcessFact(ctx, h.OwnerPID)
		if err != nil || fact == nil {
			continue
		}
		assessment := m.engine.Analyze(*fact, hooksOwned[h.OwnerPID])
		entries = append(entries, SnapshotEntry{Hook: h, Process: *fact, Assessment: assessment})
	}
	return entries, nil
}

// Detect runs the Decision Core over every hook owner in a snapshot cycle,
// returning emitted Detections alongside the raw entries. A process's parent
// name is looked up by PID in the same cycle's fact set when available; the
// Monitor does not retain a global process tree, so ancestry indicators
// degrade gracefully to "unknown parent" when the parent was not itself a
// hook owner this cycle.
func (m *Monitor) Detect(ctx context.Context) ([]factmodel.Detection, []SnapshotEntry, error) {
	entries, err := m.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	byPID := make(map[int]factmodel.ProcessFact, len(entries))
	for _, e := range entries {
		byPID[e.Process.PID] = e.Process
	}

	hooksOwned := make(map[int]int)
	for _, e := range entries {
		hooksOwned[e.Process.PID]++
	}

	var detections []factmodel.Detection
	seen := make(map[int]bool)
	for _, e := range entries {
		if seen[e.Process.PID] {
			continue
		}
		seen[e.Process.PID] = true
		parentName := ""
		if parent, ok := byPID[e.Process.ParentPID]; ok {
			parentName = parent.Name
		}
		if d := m.core.Evaluate(e.Process, hooksOwned[e.Process.PID], parentName); d != nil {
			detections = append(detections, *d)
		}
	}
	return detections, entries, nil
}
