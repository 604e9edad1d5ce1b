package protocol

import "sync"

// SessionState is the connection/resume bitfield of spec §3/§4.1: a
// command is accepted only in states satisfying its own precondition.
type SessionState uint8

const (
	StateDisconnected SessionState = 0
	StateInitialized   SessionState = 1 << 0 // components wired, process-lifetime, set once at construction
	StateActivated     SessionState = 1 << 1 // slave instance is live and serving, set once at construction
	StateStarted       SessionState = 1 << 2 // transport is up and accepting CONNECT, set once at construction
	StateConnected     SessionState = 1 << 3
	StateDAQRunning    SessionState = 1 << 4
	StateResumeMode    SessionState = 1 << 5
	StateLegacyMode    SessionState = 1 << 6 // re-entered whenever CONNECT arrives on an already-connected session
)

// lifecycleBits never clear once NewSession sets them: they describe the
// process's own lifetime, not the connection's.
const lifecycleBits = StateInitialized | StateActivated | StateStarted

// ConnectMode matches the CONNECT command's mode byte.
type ConnectMode uint8

const (
	ConnectNormal ConnectMode = 0
	ConnectResume ConnectMode = 1
)

// Session tracks the single XCP session a Dispatcher serves: its
// connection state bitfield.
// Modelled on pkg/nmt.NMT's operatingState/operatingStatePrev pair and
// mutex discipline, generalized from a state byte plus transition
// commands to XCP's bitfield plus CONNECT/DISCONNECT.
type Session struct {
	mu    sync.Mutex
	state SessionState
}

// NewSession returns a session with its process-lifetime bits set
// (initialized, activated, started) and otherwise disconnected: this
// package models a single long-lived slave instance with no separate
// boot phase, so those three bits go up together at construction and
// never clear, per spec §3's "CONNECT transitions from started to
// connected".
func NewSession() *Session { return &Session{state: lifecycleBits} }

// Connect transitions from started to connected. Per spec.md's "CONNECT
// while already connected resets DAQ tables and re-enters legacy mode",
// reconnecting sets StateLegacyMode; the caller (Dispatcher) is still
// responsible for the DAQ table reset side effect.
func (s *Session) Connect(mode ConnectMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reconnect := s.state&StateConnected != 0

	s.state = lifecycleBits | StateConnected
	if mode == ConnectResume {
		s.state |= StateResumeMode
	}
	if reconnect {
		s.state |= StateLegacyMode
	}
}

// Disconnect clears the session back to its process-lifetime bits only,
// draining connected/daq-running/resume/legacy-mode.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = lifecycleBits
}

// Connected reports whether the session has an active CONNECT.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state&StateConnected != 0
}

// LegacyMode reports whether the session re-entered legacy mode on its
// most recent CONNECT (i.e. that CONNECT arrived while already connected).
func (s *Session) LegacyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state&StateLegacyMode != 0
}

// Started reports whether the slave instance is ready to accept CONNECT.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state&StateStarted != 0
}

// SetDAQRunning updates the DAQ-running bit, set by START_STOP_SYNCH start
// and cleared by START_STOP_SYNCH stop-all or a reconnect. Stopping lists
// one by one with START_STOP_DAQ_LIST does not clear it.
func (s *Session) SetDAQRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.state |= StateDAQRunning
	} else {
		s.state &^= StateDAQRunning
	}
}

// Status returns the current bitfield, as reported by GET_STATUS.
func (s *Session) Status() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
