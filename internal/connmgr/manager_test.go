package connmgr_test

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "io"
    "net"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap/zaptest"

    "rfcomm-chat/internal/connmgr"
    "rfcomm-chat/internal/transport/mem"
)

const (
    waitFor = 2 * time.Second
    tick    = 5 * time.Millisecond
)

// recorder is a Listener that keeps every event as text.
type recorder struct {
    mu      sync.Mutex
    connect []string
    listen  []string
    sends   []sent
    reads   bytes.Buffer
    nreads  int
}

type sent struct {
    ok      bool
    payload string
}

func (r *recorder) OnConnectStateChange(old, new connmgr.ConnectState) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.connect = append(r.connect, fmt.Sprintf("%s->%s", old, new))
}

func (r *recorder) OnListenStateChange(old, new connmgr.ListenState) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.listen = append(r.listen, fmt.Sprintf("%s->%s", old, new))
}

func (r *recorder) OnSendData(success bool, payload []byte) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.sends = append(r.sends, sent{ok: success, payload: string(payload)})
}

func (r *recorder) OnReadData(payload []byte) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.reads.Write(payload)
    r.nreads++
}

func (r *recorder) connectEvents() []string {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([]string(nil), r.connect...)
}

func (r *recorder) listenEvents() []string {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([]string(nil), r.listen...)
}

func (r *recorder) sendEvents() []sent {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([]sent(nil), r.sends...)
}

func (r *recorder) received() string {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.reads.String()
}

func (r *recorder) empty() bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    return len(r.connect) == 0 && len(r.listen) == 0 && len(r.sends) == 0 && r.nreads == 0
}

// fakeTransport hands out pipe streams and counts how many streams and
// listening endpoints are open at once.
type fakeTransport struct {
    listenErr error
    dial      func(ctx context.Context, peer string) (connmgr.Stream, error)

    // far ends of dialed pipes, for the test to play the peer
    peers chan net.Conn
    // inbound streams handed to whichever endpoint is accepting
    inbound chan connmgr.Stream

    mu        sync.Mutex
    open      int
    maxOpen   int
    lnOpen    int
    lnMaxOpen int
}

func newFakeTransport() *fakeTransport {
    ft := &fakeTransport{
        peers:   make(chan net.Conn, 8),
        inbound: make(chan connmgr.Stream),
    }
    ft.dial = ft.pipe
    return ft
}

func (ft *fakeTransport) Listen(ctx context.Context, _ connmgr.Service) (connmgr.StreamListener, error) {
    if ft.listenErr != nil {
        return nil, ft.listenErr
    }
    ft.mu.Lock()
    ft.lnOpen++
    ft.lnMaxOpen = max(ft.lnMaxOpen, ft.lnOpen)
    ft.mu.Unlock()
    return &fakeListener{
        inbound: ft.inbound,
        done:    make(chan struct{}),
        onClose: func() {
            ft.mu.Lock()
            ft.lnOpen--
            ft.mu.Unlock()
        },
    }, nil
}

func (ft *fakeTransport) Dial(ctx context.Context, peer string, _ connmgr.Service) (connmgr.Stream, error) {
    return ft.dial(ctx, peer)
}

func (ft *fakeTransport) pipe(_ context.Context, peer string) (connmgr.Stream, error) {
    local, remote := net.Pipe()
    ft.peers <- remote
    return ft.track(&pipeStream{Conn: local, addr: peer}), nil
}

func (ft *fakeTransport) track(s *pipeStream) *pipeStream {
    ft.mu.Lock()
    ft.open++
    ft.maxOpen = max(ft.maxOpen, ft.open)
    ft.mu.Unlock()
    s.onClose = func() {
        ft.mu.Lock()
        ft.open--
        ft.mu.Unlock()
    }
    return s
}

func (ft *fakeTransport) counts() (open, maxOpen int) {
    ft.mu.Lock()
    defer ft.mu.Unlock()
    return ft.open, ft.maxOpen
}

func (ft *fakeTransport) listenerCounts() (open, maxOpen int) {
    ft.mu.Lock()
    defer ft.mu.Unlock()
    return ft.lnOpen, ft.lnMaxOpen
}

// blockingDial never completes on its own.
func blockingDial(ctx context.Context, _ string) (connmgr.Stream, error) {
    <-ctx.Done()
    return nil, ctx.Err()
}

type fakeListener struct {
    inbound chan connmgr.Stream
    once    sync.Once
    done    chan struct{}
    onClose func()
}

func (l *fakeListener) Accept(ctx context.Context) (connmgr.Stream, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.done:
        return nil, io.EOF
    case st := <-l.inbound:
        return st, nil
    }
}

func (l *fakeListener) Close() error {
    l.once.Do(func() {
        close(l.done)
        l.onClose()
    })
    return nil
}

type pipeStream struct {
    net.Conn
    addr    string
    once    sync.Once
    onClose func()
}

func (s *pipeStream) RemoteAddr() string { return s.addr }

func (s *pipeStream) Close() error {
    s.once.Do(func() {
        if s.onClose != nil {
            s.onClose()
        }
    })
    return s.Conn.Close()
}

// brokenStream reads nothing until closed and fails every write.
type brokenStream struct {
    once   sync.Once
    closed chan struct{}
}

func (s *brokenStream) Read([]byte) (int, error) {
    <-s.closed
    return 0, io.EOF
}

func (s *brokenStream) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func (s *brokenStream) Close() error {
    s.once.Do(func() { close(s.closed) })
    return nil
}

func (s *brokenStream) RemoteAddr() string { return "broken" }

func (s *brokenStream) isClosed() bool {
    select {
    case <-s.closed:
        return true
    default:
        return false
    }
}

func newManager(t *testing.T, tr connmgr.Transport, l connmgr.Listener, opts ...connmgr.Option) *connmgr.Manager {
    t.Helper()
    opts = append([]connmgr.Option{connmgr.WithLogger(zaptest.NewLogger(t))}, opts...)
    m := connmgr.New(tr, l, opts...)
    t.Cleanup(func() { _ = m.Close() })
    return m
}

func waitConnectState(t *testing.T, m *connmgr.Manager, want connmgr.ConnectState) {
    t.Helper()
    require.Eventually(t, func() bool { return m.CurrentConnectState() == want }, waitFor, tick,
        "connect state never became %s", want)
}

func waitListenState(t *testing.T, m *connmgr.Manager, want connmgr.ListenState) {
    t.Helper()
    require.Eventually(t, func() bool { return m.CurrentListenState() == want }, waitFor, tick,
        "listen state never became %s", want)
}

func TestManager_IdleCommands(t *testing.T) {
    t.Run("send while idle is rejected without events", func(t *testing.T) {
        rec := &recorder{}
        m := newManager(t, newFakeTransport(), rec)

        assert.False(t, m.Send([]byte("x")))
        require.NoError(t, m.Close())
        assert.True(t, rec.empty())
    })

    t.Run("stop listening and disconnect are no-ops", func(t *testing.T) {
        rec := &recorder{}
        m := newManager(t, newFakeTransport(), rec)

        m.StopListening()
        m.StopListening()
        m.Disconnect()
        require.NoError(t, m.Close())
        assert.True(t, rec.empty())
        assert.Equal(t, connmgr.ConnectIdle, m.CurrentConnectState())
        assert.Equal(t, connmgr.ListenIdle, m.CurrentListenState())
    })

    t.Run("nil listener", func(t *testing.T) {
        nw := mem.NewNetwork()
        a := newManager(t, nw.Host("a"), nil)
        b := newManager(t, nw.Host("b"), nil)

        require.NoError(t, a.StartListening())
        waitListenState(t, a, connmgr.Listening)
        require.NoError(t, b.Connect("a"))
        waitConnectState(t, b, connmgr.Connected)
        assert.True(t, b.Send([]byte("dropped")))
    })
}

func TestManager_InboundAndOutbound(t *testing.T) {
    nw := mem.NewNetwork()
    recA, recB := &recorder{}, &recorder{}
    a := newManager(t, nw.Host("a"), recA)
    b := newManager(t, nw.Host("b"), recB)

    require.NoError(t, a.StartListening())
    waitListenState(t, a, connmgr.Listening)
    assert.Equal(t, []string{"idle->listening"}, recA.listenEvents())

    require.NoError(t, b.Connect("a"))
    waitConnectState(t, a, connmgr.Connected)
    waitConnectState(t, b, connmgr.Connected)

    t.Run("both sides report connecting then connected", func(t *testing.T) {
        want := []string{"idle->connecting", "connecting->connected"}
        require.Eventually(t, func() bool { return len(recA.connectEvents()) == 2 }, waitFor, tick)
        require.Eventually(t, func() bool { return len(recB.connectEvents()) == 2 }, waitFor, tick)
        assert.Equal(t, want, recA.connectEvents())
        assert.Equal(t, want, recB.connectEvents())
        // accepting a peer does not stop listening
        assert.Equal(t, connmgr.Listening, a.CurrentListenState())
    })

    t.Run("payload round trip", func(t *testing.T) {
        require.True(t, b.Send([]byte("hello")))
        require.Eventually(t, func() bool { return recA.received() == "hello" }, waitFor, tick)
        require.Eventually(t, func() bool { return len(recB.sendEvents()) == 1 }, waitFor, tick)
        assert.Equal(t, []sent{{ok: true, payload: "hello"}}, recB.sendEvents())

        require.True(t, a.Send([]byte("hi back")))
        require.Eventually(t, func() bool { return recB.received() == "hi back" }, waitFor, tick)
    })

    t.Run("second inbound peer is rejected", func(t *testing.T) {
        recC := &recorder{}
        c := newManager(t, nw.Host("c"), recC)

        require.NoError(t, c.Connect("a"))
        require.Eventually(t, func() bool {
            ev := recC.connectEvents()
            return len(ev) > 0 && ev[len(ev)-1] == "connected->idle"
        }, waitFor, tick)
        assert.Equal(t, connmgr.Connected, a.CurrentConnectState())
        assert.Len(t, recA.connectEvents(), 2)
    })

    t.Run("disconnect drops both ends exactly once", func(t *testing.T) {
        b.Disconnect()
        waitConnectState(t, b, connmgr.ConnectIdle)
        waitConnectState(t, a, connmgr.ConnectIdle)
        b.Disconnect()

        require.NoError(t, b.Close())
        assert.Equal(t, []string{"idle->connecting", "connecting->connected", "connected->idle"}, recB.connectEvents())
        assert.False(t, b.Send([]byte("late")))
    })
}

func TestManager_InboundRejectedWhileConnecting(t *testing.T) {
    ft := newFakeTransport()
    ft.dial = blockingDial
    rec := &recorder{}
    m := newManager(t, ft, rec)

    require.NoError(t, m.StartListening())
    waitListenState(t, m, connmgr.Listening)
    require.NoError(t, m.Connect("slow"))
    waitConnectState(t, m, connmgr.Connecting)

    in := &brokenStream{closed: make(chan struct{})}
    select {
    case ft.inbound <- in:
    case <-time.After(waitFor):
        t.Fatal("acceptor did not take the inbound stream")
    }
    require.Eventually(t, in.isClosed, waitFor, tick)

    assert.Equal(t, connmgr.Connecting, m.CurrentConnectState())
    assert.Equal(t, connmgr.Listening, m.CurrentListenState())
    assert.Equal(t, []string{"idle->connecting"}, rec.connectEvents())

    // the acceptor keeps running and serves the next peer once idle
    m.Disconnect()
    waitConnectState(t, m, connmgr.ConnectIdle)
    next := &brokenStream{closed: make(chan struct{})}
    ft.inbound <- next
    waitConnectState(t, m, connmgr.Connected)
    assert.False(t, next.isClosed())
}

func TestManager_ConnectFailure(t *testing.T) {
    rec := &recorder{}
    m := newManager(t, mem.NewNetwork().Host("a"), rec)

    require.NoError(t, m.Connect("nobody"))
    require.Eventually(t, func() bool { return len(rec.connectEvents()) == 2 }, waitFor, tick)
    require.NoError(t, m.Close())

    // no retry
    assert.Equal(t, []string{"idle->connecting", "connecting->idle"}, rec.connectEvents())
}

func TestManager_ConnectReplacesPending(t *testing.T) {
    ft := newFakeTransport()
    ft.dial = func(ctx context.Context, peer string) (connmgr.Stream, error) {
        if peer == "slow" {
            return blockingDial(ctx, peer)
        }
        return ft.pipe(ctx, peer)
    }
    rec := &recorder{}
    m := newManager(t, ft, rec)

    require.NoError(t, m.Connect("slow"))
    waitConnectState(t, m, connmgr.Connecting)
    require.NoError(t, m.Connect("fast"))
    waitConnectState(t, m, connmgr.Connected)

    peer := <-ft.peers
    go func() { _, _ = peer.Write([]byte("from fast")) }()
    require.Eventually(t, func() bool { return rec.received() == "from fast" }, waitFor, tick)

    require.NoError(t, m.Close())
    assert.Equal(t, []string{
        "idle->connecting",
        "connecting->idle",
        "idle->connecting",
        "connecting->connected",
        "connected->idle",
    }, rec.connectEvents())
    open, maxOpen := ft.counts()
    assert.Equal(t, 0, open)
    assert.LessOrEqual(t, maxOpen, 1)
}

func TestManager_ConnectReplacesLive(t *testing.T) {
    ft := newFakeTransport()
    rec := &recorder{}
    m := newManager(t, ft, rec)

    for _, peer := range []string{"p1", "p2", "p3"} {
        require.NoError(t, m.Connect(peer))
        waitConnectState(t, m, connmgr.Connected)
        <-ft.peers
    }
    require.NoError(t, m.Close())

    open, maxOpen := ft.counts()
    assert.Equal(t, 0, open)
    assert.Equal(t, 1, maxOpen)
}

func TestManager_DisconnectWhileConnecting(t *testing.T) {
    ft := newFakeTransport()
    ft.dial = blockingDial
    rec := &recorder{}
    m := newManager(t, ft, rec)

    require.NoError(t, m.Connect("slow"))
    waitConnectState(t, m, connmgr.Connecting)
    m.Disconnect()
    waitConnectState(t, m, connmgr.ConnectIdle)

    require.NoError(t, m.Close())
    assert.Equal(t, []string{"idle->connecting", "connecting->idle"}, rec.connectEvents())
}

func TestManager_ConnectTimeout(t *testing.T) {
    ft := newFakeTransport()
    ft.dial = blockingDial
    rec := &recorder{}
    m := newManager(t, ft, rec, connmgr.WithConnectTimeout(20*time.Millisecond))

    require.NoError(t, m.Connect("slow"))
    require.Eventually(t, func() bool { return len(rec.connectEvents()) == 2 }, waitFor, tick)
    assert.Equal(t, []string{"idle->connecting", "connecting->idle"}, rec.connectEvents())
}

func TestManager_Listening(t *testing.T) {
    t.Run("restart keeps one acceptor", func(t *testing.T) {
        rec := &recorder{}
        m := newManager(t, newFakeTransport(), rec)

        require.NoError(t, m.StartListening())
        waitListenState(t, m, connmgr.Listening)
        require.NoError(t, m.StartListening())
        require.Eventually(t, func() bool { return len(rec.listenEvents()) == 3 }, waitFor, tick)
        assert.Equal(t, connmgr.Listening, m.CurrentListenState())

        m.StopListening()
        waitListenState(t, m, connmgr.ListenIdle)
        m.StopListening()
        require.NoError(t, m.Close())
        assert.Equal(t, []string{
            "idle->listening",
            "listening->idle",
            "idle->listening",
            "listening->idle",
        }, rec.listenEvents())
    })

    t.Run("endpoints never overlap across restarts", func(t *testing.T) {
        ft := newFakeTransport()
        m := newManager(t, ft, nil)

        for i := 0; i < 20; i++ {
            require.NoError(t, m.StartListening())
            if i%3 == 0 {
                m.StopListening()
            }
        }
        require.NoError(t, m.StartListening())
        waitListenState(t, m, connmgr.Listening)
        m.StopListening()
        waitListenState(t, m, connmgr.ListenIdle)
        require.NoError(t, m.Close())

        open, maxOpen := ft.listenerCounts()
        assert.Equal(t, 0, open)
        assert.LessOrEqual(t, maxOpen, 1)
    })

    t.Run("listen failure emits nothing", func(t *testing.T) {
        ft := newFakeTransport()
        ft.listenErr = errors.New("no adapter")
        rec := &recorder{}
        m := newManager(t, ft, rec)

        require.NoError(t, m.StartListening())
        require.NoError(t, m.Close())
        assert.True(t, rec.empty())
        assert.Equal(t, connmgr.ListenIdle, m.CurrentListenState())
    })

    t.Run("stop listening keeps the session", func(t *testing.T) {
        nw := mem.NewNetwork()
        a := newManager(t, nw.Host("a"), nil)
        b := newManager(t, nw.Host("b"), nil)

        require.NoError(t, a.StartListening())
        waitListenState(t, a, connmgr.Listening)
        require.NoError(t, b.Connect("a"))
        waitConnectState(t, a, connmgr.Connected)

        a.StopListening()
        waitListenState(t, a, connmgr.ListenIdle)
        assert.Equal(t, connmgr.Connected, a.CurrentConnectState())
    })
}

func TestManager_SendResult(t *testing.T) {
    for _, tc := range []struct {
        name   string
        strict bool
        want   bool
    }{
        {name: "failed write reported as success by default", strict: false, want: true},
        {name: "strict mode reports failed write", strict: true, want: false},
    } {
        t.Run(tc.name, func(t *testing.T) {
            ft := newFakeTransport()
            ft.dial = func(context.Context, string) (connmgr.Stream, error) {
                return &brokenStream{closed: make(chan struct{})}, nil
            }
            rec := &recorder{}
            m := newManager(t, ft, rec, connmgr.WithStrictSendResult(tc.strict))

            require.NoError(t, m.Connect("peer"))
            waitConnectState(t, m, connmgr.Connected)
            require.True(t, m.Send([]byte("one")))
            require.True(t, m.Send([]byte("two")))
            require.Eventually(t, func() bool { return len(rec.sendEvents()) == 2 }, waitFor, tick)

            assert.Equal(t, []sent{{ok: tc.want, payload: "one"}, {ok: tc.want, payload: "two"}}, rec.sendEvents())
        })
    }
}

func TestManager_SendCopiesPayload(t *testing.T) {
    ft := newFakeTransport()
    rec := &recorder{}
    m := newManager(t, ft, rec)

    require.NoError(t, m.Connect("peer"))
    waitConnectState(t, m, connmgr.Connected)
    peer := <-ft.peers

    buf := []byte("abc")
    require.True(t, m.Send(buf))
    copy(buf, "xyz")

    got := make([]byte, 3)
    _, err := io.ReadFull(peer, got)
    require.NoError(t, err)
    assert.Equal(t, "abc", string(got))
}

func TestManager_ReadsAreDeliveredInOrder(t *testing.T) {
    ft := newFakeTransport()
    rec := &recorder{}
    m := newManager(t, ft, rec, connmgr.WithReadBufferSize(4))

    require.NoError(t, m.Connect("peer"))
    waitConnectState(t, m, connmgr.Connected)
    peer := <-ft.peers

    _, err := peer.Write([]byte("first chunk|"))
    require.NoError(t, err)
    _, err = peer.Write([]byte("second"))
    require.NoError(t, err)
    require.Eventually(t, func() bool { return rec.received() == "first chunk|second" }, waitFor, tick)

    require.NoError(t, peer.Close())
    waitConnectState(t, m, connmgr.ConnectIdle)
}

func TestManager_Close(t *testing.T) {
    ft := newFakeTransport()
    rec := &recorder{}
    m := newManager(t, ft, rec)

    require.NoError(t, m.StartListening())
    require.NoError(t, m.Connect("peer"))
    waitConnectState(t, m, connmgr.Connected)
    <-ft.peers

    require.NoError(t, m.Close())
    require.NoError(t, m.Close())

    assert.Equal(t, connmgr.ConnectIdle, m.CurrentConnectState())
    assert.Equal(t, connmgr.ListenIdle, m.CurrentListenState())
    assert.ErrorIs(t, m.StartListening(), connmgr.ErrClosed)
    assert.ErrorIs(t, m.Connect("peer"), connmgr.ErrClosed)
    assert.False(t, m.Send([]byte("x")))

    events := rec.connectEvents()
    require.NotEmpty(t, events)
    assert.Equal(t, "connected->idle", events[len(events)-1])
}

func TestManager_CallbacksMayReenter(t *testing.T) {
    ft := newFakeTransport()
    var (
        mu   sync.Mutex
        seen []connmgr.ConnectState
        m    *connmgr.Manager
    )
    ready := make(chan struct{})
    l := connmgr.ListenerFuncs{
        ConnectStateChange: func(_, new connmgr.ConnectState) {
            <-ready
            mu.Lock()
            seen = append(seen, m.CurrentConnectState())
            mu.Unlock()
            if new == connmgr.Connected {
                m.Disconnect()
            }
        },
    }
    m = newManager(t, ft, l)
    close(ready)

    require.NoError(t, m.Connect("peer"))
    require.Eventually(t, func() bool {
        mu.Lock()
        defer mu.Unlock()
        return len(seen) == 3
    }, waitFor, tick)
    waitConnectState(t, m, connmgr.ConnectIdle)
}

func TestStateStrings(t *testing.T) {
    assert.Equal(t, "idle", connmgr.ConnectIdle.String())
    assert.Equal(t, "connecting", connmgr.Connecting.String())
    assert.Equal(t, "connected", connmgr.Connected.String())
    assert.Equal(t, "unknown", connmgr.ConnectState(9).String())
    assert.Equal(t, "idle", connmgr.ListenIdle.String())
    assert.Equal(t, "listening", connmgr.Listening.String())
    assert.Equal(t, "unknown", connmgr.ListenState(9).String())
}

func TestChatService(t *testing.T) {
    assert.Equal(t, "Chat", connmgr.ChatService.Name)
    assert.Equal(t, connmgr.SPPUUID, connmgr.ChatService.UUID.String())
}
