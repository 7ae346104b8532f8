// Package wake implements the voice assistant's attention state
// machine: Idle, Listening, Responding. All transitions are driven
// through a single serialized input channel processed by one
// goroutine, so concurrent wake events, timeouts, and interrupts can
// never race each other into an inconsistent state.
package wake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is one of the three attention states a session can be in.
type State int

const (
	Idle State = iota
	Listening
	Responding
)

// String renders State for logging.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Responding:
		return "responding"
	default:
		return "unknown"
	}
}

// ActionKind enumerates the side effects a transition can request. The
// machine itself performs no I/O; the supervisor executes actions it
// receives from Machine.Actions().
type ActionKind int

const (
	ActionMicUnmute ActionKind = iota
	ActionMicMute
	ActionCancelResponse
)

// Action is one side effect emitted as a consequence of a transition.
type Action struct {
	Kind ActionKind
}

// EventKind enumerates inputs accepted by the machine.
type EventKind int

const (
	EventWake EventKind = iota
	EventSTTFinal
	EventResponseStart
	EventResponseDone
	EventInterruptSpeech
	EventIdleTimeout
	EventShutdown
)

// Event is one input fed to the machine's serialized channel.
type Event struct {
	Kind EventKind
}

// Config controls timer durations. AlwaysListen, if true, means the
// machine never leaves Listening for Idle on its own — an always-on
// deployment with no wake word gate.
type Config struct {
	AlwaysListen    bool
	IdleTimeout     time.Duration
	InterruptWindow time.Duration

	// OnStateChange, if set, is called synchronously from the machine's
	// single Run goroutine every time setState actually changes state.
	// Used to mirror the current state onto the wake session gauge
	// without the wake package importing prometheus directly.
	OnStateChange func(State)
}

// Machine owns one session's attention state. Construct with New and
// call Run in its own goroutine; feed it via Send.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	in      chan Event
	actions chan Action

	mu            sync.RWMutex
	state         State
	interruptOpen bool
}

// New constructs a Machine in the Idle state (or Listening, if
// cfg.AlwaysListen is set).
func New(cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.InterruptWindow <= 0 {
		cfg.InterruptWindow = 5 * time.Second
	}
	initial := Idle
	if cfg.AlwaysListen {
		initial = Listening
	}
	return &Machine{
		cfg:     cfg,
		logger:  logger,
		in:      make(chan Event, 16),
		actions: make(chan Action, 16),
		state:   initial,
	}
}

// State returns the current state. Safe for concurrent use.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// InterruptWindowOpen reports whether a wake event arriving right now
// would fall within the interrupt window armed by the last
// EventResponseStart. Callers feeding wake.event into the machine use
// this to decide whether to send EventWake or EventInterruptSpeech.
func (m *Machine) InterruptWindowOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interruptOpen
}

// Send enqueues an event for processing. Never blocks the caller
// indefinitely: the channel is buffered, and a full buffer means the
// machine is falling behind, which Send handles by dropping the event
// and logging a warning rather than stalling the dispatcher handler
// that called it.
func (m *Machine) Send(e Event) {
	select {
	case m.in <- e:
	default:
		m.logger.Warn("wake: input channel full, dropping event", "kind", e.Kind)
	}
}

// Actions returns the channel actions are emitted on. The supervisor
// reads from this to perform the side effects (mic mute/unmute,
// response cancellation) that transitions require.
func (m *Machine) Actions() <-chan Action {
	return m.actions
}

// Run processes events until ctx is cancelled. Must run in its own
// goroutine; all state mutation happens here, so no locking is needed
// for the transition logic itself (State() still locks for readers).
func (m *Machine) Run(ctx context.Context) {
	var idleTimer, interruptTimer *time.Timer
	var idleC, interruptC <-chan time.Time

	stopIdle := func() {
		if idleTimer != nil {
			idleTimer.Stop()
			idleTimer = nil
			idleC = nil
		}
	}
	stopInterrupt := func() {
		if interruptTimer != nil {
			interruptTimer.Stop()
			interruptTimer = nil
			interruptC = nil
		}
		m.setInterruptOpen(false)
	}
	armIdle := func() {
		stopIdle()
		if m.cfg.AlwaysListen {
			return
		}
		idleTimer = time.NewTimer(m.cfg.IdleTimeout)
		idleC = idleTimer.C
	}
	armInterrupt := func() {
		stopInterrupt()
		interruptTimer = time.NewTimer(m.cfg.InterruptWindow)
		interruptC = interruptTimer.C
		m.setInterruptOpen(true)
	}
	defer stopIdle()
	defer stopInterrupt()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idleC:
			if m.setState(Idle) {
				m.emit(Action{Kind: ActionMicMute})
			}
			stopIdle()
		case <-interruptC:
			stopInterrupt()
		case ev := <-m.in:
			switch ev.Kind {
			case EventWake:
				if m.setState(Listening) {
					m.emit(Action{Kind: ActionMicUnmute})
				}
				armIdle()
			case EventSTTFinal:
				armIdle()
			case EventResponseStart:
				m.setState(Responding)
				stopIdle()
				armInterrupt()
			case EventInterruptSpeech:
				if m.State() == Responding {
					m.emit(Action{Kind: ActionCancelResponse})
					m.setState(Listening)
					m.emit(Action{Kind: ActionMicUnmute})
					stopInterrupt()
					armIdle()
				}
			case EventResponseDone:
				stopInterrupt()
				if m.cfg.AlwaysListen {
					m.setState(Listening)
				} else {
					m.setState(Listening)
					armIdle()
				}
			case EventIdleTimeout:
				if m.setState(Idle) {
					m.emit(Action{Kind: ActionMicMute})
				}
				stopIdle()
			case EventShutdown:
				return
			}
		}
	}
}

// setState updates state and reports whether it actually changed.
func (m *Machine) setState(s State) bool {
	m.mu.Lock()
	changed := m.state != s
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if changed {
		m.logger.Debug("wake: state transition", "from", prev, "to", s)
		if m.cfg.OnStateChange != nil {
			m.cfg.OnStateChange(s)
		}
	}
	return changed
}

func (m *Machine) setInterruptOpen(open bool) {
	m.mu.Lock()
	m.interruptOpen = open
	m.mu.Unlock()
}

func (m *Machine) emit(a Action) {
	select {
	case m.actions <- a:
	default:
		m.logger.Warn("wake: actions channel full, dropping action", "kind", a.Kind)
	}
}
