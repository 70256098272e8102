package connmgr

import (
    "sync"

    "go.uber.org/zap"
)

// Manager is the connection manager. Create it with New and release it with Close.
type Manager struct {
    transport Transport
    opts      options
    log       *zap.Logger
    events    *dispatcher

    // mu guards everything below. State transitions and the matching events
    // are enqueued under it, which fixes their delivery order.
    mu          sync.Mutex
    closed      bool
    connState   ConnectState
    listenState ListenState
    acceptor    *acceptor
    session     *session

    workers sync.WaitGroup
}

// New creates a manager over t. l may be nil, in which case events are dropped.
func New(t Transport, l Listener, opts ...Option) *Manager {
    o := defaultOptions()
    for _, fn := range opts {
        fn(&o)
    }
    return &Manager{
        transport: t,
        opts:      o,
        log:       o.log.Named("connmgr"),
        events:    newDispatcher(l),
    }
}

// StartListening cancels any running acceptor and starts a new one.
// Calling it repeatedly always leaves exactly one acceptor running.
func (m *Manager) StartListening() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return ErrClosed
    }
    m.log.Debug("start listening")
    prev := m.acceptor
    if prev != nil {
        prev.cancel()
        m.retireAcceptorLocked(prev)
    }
    a := newAcceptor(m, prev)
    m.acceptor = a
    m.workers.Add(1)
    go a.run()
    return nil
}

// StopListening cancels the running acceptor, if any.
func (m *Manager) StopListening() {
    m.mu.Lock()
    a := m.acceptor
    m.mu.Unlock()
    if a == nil {
        return
    }
    m.log.Debug("stop listening")
    a.cancel()
}

// Connect cancels any existing session and dials peerAddr as initiator.
// The outcome is reported only through connect-state events; a failed
// attempt returns the manager to ConnectIdle without retrying.
func (m *Manager) Connect(peerAddr string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return ErrClosed
    }
    m.log.Info("connect", zap.String("peer", peerAddr))
    prev := m.session
    if prev != nil {
        prev.cancel()
        m.retireSessionLocked(prev)
    }
    s := newOutboundSession(m, peerAddr, prev)
    m.installSessionLocked(s)
    return nil
}

// Disconnect cancels the active session, pending or live. Safe to call when idle.
func (m *Manager) Disconnect() {
    m.mu.Lock()
    s := m.session
    m.mu.Unlock()
    if s == nil {
        return
    }
    m.log.Debug("disconnect", zap.String("peer", s.peer))
    s.cancel()
}

// Send hands payload to the live session for an asynchronous write.
// It returns false, with no other effect, unless the manager is Connected.
// A true result means the payload was queued; OnSendData reports the write.
func (m *Manager) Send(payload []byte) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed || m.connState != Connected || m.session == nil {
        return false
    }
    buf := make([]byte, len(payload))
    copy(buf, payload)
    m.session.enqueue(buf)
    return true
}

// CurrentConnectState returns the connection axis state.
func (m *Manager) CurrentConnectState() ConnectState {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.connState
}

// CurrentListenState returns the listening axis state.
func (m *Manager) CurrentListenState() ListenState {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.listenState
}

// Close cancels both workers, waits for them to exit, and delivers every
// pending event before returning. It is idempotent and must not be called
// from a Listener callback.
func (m *Manager) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    a, s := m.acceptor, m.session
    m.mu.Unlock()

    if s != nil {
        s.cancel()
    }
    if a != nil {
        a.cancel()
    }
    m.workers.Wait()
    m.events.stop()
    m.log.Debug("closed")
    return nil
}

// promote installs an accepted stream as the session if the manager is idle.
// It reports false when the stream must be rejected.
func (m *Manager) promote(a *acceptor, st Stream) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed || m.acceptor != a || m.session != nil || m.connState != ConnectIdle {
        return false
    }
    m.installSessionLocked(newInboundSession(m, st))
    return true
}

func (m *Manager) installSessionLocked(s *session) {
    m.session = s
    m.workers.Add(1)
    go s.run()
}

// setConnectStateFor applies a transition requested by s. It is refused when
// s was replaced or cancelled; the cancel flag is read under m.mu so the
// check and the transition are one step.
func (m *Manager) setConnectStateFor(s *session, state ConnectState) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.session != s || s.isCancelled() {
        return false
    }
    m.setConnectStateLocked(state)
    return true
}

// deliverRead queues bytes read by s unless s has been retired, so a replaced
// session's last reads never follow its Idle transition.
func (m *Manager) deliverRead(s *session, data []byte) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.session != s {
        return false
    }
    m.events.enqueue(event{kind: evReadData, payload: data})
    return true
}

// retireSession detaches s and returns the manager to ConnectIdle. Only the
// first call for the active session has any effect.
func (m *Manager) retireSession(s *session) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.retireSessionLocked(s)
}

func (m *Manager) retireSessionLocked(s *session) {
    if m.session != s {
        return
    }
    m.session = nil
    m.setConnectStateLocked(ConnectIdle)
}

func (m *Manager) setListenStateFor(a *acceptor, state ListenState) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.acceptor != a {
        return false
    }
    m.setListenStateLocked(state)
    return true
}

func (m *Manager) retireAcceptor(a *acceptor) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.retireAcceptorLocked(a)
}

func (m *Manager) retireAcceptorLocked(a *acceptor) {
    if m.acceptor != a {
        return
    }
    m.acceptor = nil
    m.setListenStateLocked(ListenIdle)
}

func (m *Manager) setConnectStateLocked(state ConnectState) {
    if m.connState == state {
        return
    }
    old := m.connState
    m.connState = state
    m.log.Debug("connect state change", zap.Stringer("old", old), zap.Stringer("new", state))
    m.events.enqueue(event{kind: evConnectState, oldConnect: old, newConnect: state})
}

func (m *Manager) setListenStateLocked(state ListenState) {
    if m.listenState == state {
        return
    }
    old := m.listenState
    m.listenState = state
    m.log.Debug("listen state change", zap.Stringer("old", old), zap.Stringer("new", state))
    m.events.enqueue(event{kind: evListenState, oldListen: old, newListen: state})
}
