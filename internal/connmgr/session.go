package connmgr

import (
    "context"
    "sync"

    "go.uber.org/zap"
)

// session owns one stream: the initiator handshake, the read loop and the
// queued writes.
type session struct {
    m         *Manager
    log       *zap.Logger
    peer      string
    initiator bool

    ctx       context.Context
    cancelCtx context.CancelFunc

    // prev is the session this one replaced; its stream must be gone before dialing.
    prev *session
    // exited is closed when run returns.
    exited chan struct{}

    mu        sync.Mutex
    cancelled bool
    stream    Stream
    pending   [][]byte
    stopped   bool
    wake      chan struct{}
}

func newOutboundSession(m *Manager, peer string, prev *session) *session {
    s := newSession(m, peer, nil, true)
    s.prev = prev
    return s
}

func newInboundSession(m *Manager, st Stream) *session {
    return newSession(m, st.RemoteAddr(), st, false)
}

func newSession(m *Manager, peer string, st Stream, initiator bool) *session {
    ctx, cancel := context.WithCancel(context.Background())
    return &session{
        m:         m,
        log:       m.log.Named("session").With(zap.String("peer", peer), zap.Bool("initiator", initiator)),
        peer:      peer,
        initiator: initiator,
        ctx:       ctx,
        cancelCtx: cancel,
        stream:    st,
        exited:    make(chan struct{}),
        wake:      make(chan struct{}, 1),
    }
}

// cancel marks the session cancelled, aborts a pending dial and closes the
// stream so a blocked Read returns.
func (s *session) cancel() {
    s.mu.Lock()
    if s.cancelled {
        s.mu.Unlock()
        return
    }
    s.cancelled = true
    st := s.stream
    s.mu.Unlock()

    s.log.Debug("cancel")
    s.cancelCtx()
    if st != nil {
        _ = st.Close()
    }
}

func (s *session) isCancelled() bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.cancelled
}

// attach records a dialed stream. It reports false if cancel won the race.
func (s *session) attach(st Stream) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.cancelled {
        return false
    }
    s.stream = st
    return true
}

func (s *session) enqueue(payload []byte) {
    s.mu.Lock()
    s.pending = append(s.pending, payload)
    s.mu.Unlock()
    s.signal()
}

func (s *session) signal() {
    select {
    case s.wake <- struct{}{}:
    default:
    }
}

func (s *session) run() {
    defer s.m.workers.Done()
    defer close(s.exited)
    defer s.cancelCtx()

    s.log.Debug("start")
    if s.prev != nil {
        // A cancelled predecessor exits once its blocking call returns.
        <-s.prev.exited
        s.prev = nil
    }
    // Refused once cancelled, so a cancel that lands first never shows Connecting.
    if !s.m.setConnectStateFor(s, Connecting) {
        s.closeStream()
        s.m.retireSession(s)
        s.log.Debug("end, cancelled before start")
        return
    }

    if s.initiator {
        st, err := s.dial()
        if err != nil {
            s.log.Info("connect failed", zap.Error(err))
            s.m.retireSession(s)
            return
        }
        if !s.attach(st) {
            _ = st.Close()
            s.m.retireSession(s)
            s.log.Debug("end, cancelled during connect")
            return
        }
    }

    st := s.currentStream()
    if !s.m.setConnectStateFor(s, Connected) {
        s.closeStream()
        s.m.retireSession(s)
        s.log.Debug("end, cancelled before connected")
        return
    }

    writerDone := make(chan struct{})
    go s.writeLoop(st, writerDone)

    buf := make([]byte, s.m.opts.readBufferSize)
    for {
        n, err := st.Read(buf)
        if n > 0 && s.m.events.enabled() {
            data := make([]byte, n)
            copy(data, buf[:n])
            s.m.deliverRead(s, data)
        }
        if err != nil {
            if s.isCancelled() {
                s.log.Debug("read ended by cancel")
            } else {
                s.log.Info("disconnected", zap.Error(err))
            }
            break
        }
    }

    // Retire before stopping the writer so Send cannot queue onto a dead session.
    s.m.retireSession(s)
    s.closeStream()
    s.stopWriter()
    <-writerDone
    if s.isCancelled() {
        s.log.Debug("end, cancelled")
    } else {
        s.log.Debug("end")
    }
}

func (s *session) dial() (Stream, error) {
    ctx := s.ctx
    if d := s.m.opts.connectTimeout; d > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, d)
        defer cancel()
    }
    return s.m.transport.Dial(ctx, s.peer, s.m.opts.service)
}

func (s *session) currentStream() Stream {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.stream
}

func (s *session) closeStream() {
    if st := s.currentStream(); st != nil {
        _ = st.Close()
    }
}

func (s *session) stopWriter() {
    s.mu.Lock()
    s.stopped = true
    s.mu.Unlock()
    s.signal()
}

// writeLoop writes queued payloads in order. Every payload accepted by Send
// yields exactly one send event, including those still queued at teardown.
func (s *session) writeLoop(st Stream, done chan<- struct{}) {
    defer close(done)
    for {
        s.mu.Lock()
        if len(s.pending) == 0 {
            stopped := s.stopped
            s.mu.Unlock()
            if stopped {
                return
            }
            <-s.wake
            continue
        }
        payload := s.pending[0]
        s.pending = s.pending[1:]
        s.mu.Unlock()

        s.write(st, payload)
    }
}

func (s *session) write(st Stream, payload []byte) {
    success := true
    if _, err := st.Write(payload); err != nil {
        s.log.Warn("send data failed", zap.Error(err), zap.Int("bytes", len(payload)))
        if s.m.opts.strictSend {
            success = false
        }
    }
    s.m.events.enqueue(event{kind: evSendData, success: success, payload: payload})
}
