//go:build linux

package rfcomm

import (
    "context"
    "errors"
    "fmt"
    "os"
    "strconv"
    "sync"
    "sync/atomic"

    dbus "github.com/godbus/dbus/v5"
    "go.uber.org/zap"
    "golang.org/x/sys/unix"

    "rfcomm-chat/internal/connmgr"
)

const (
    bluezService         = "org.bluez"
    profileInterfaceName = "org.bluez.Profile1"
    profileManagerIface  = "org.bluez.ProfileManager1"
    deviceIface          = "org.bluez.Device1"
    adapterIface         = "org.bluez.Adapter1"
    objManagerIface      = "org.freedesktop.DBus.ObjectManager"
    propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

func nextProfilePath(role string) dbus.ObjectPath {
    id := atomic.AddUint64(&pathCounter, 1)
    return dbus.ObjectPath("/org/rfcomm_chat/profile/" + role + "/p" + strconv.FormatUint(id, 10))
}

// Transport implements connmgr.Transport on top of BlueZ.
type Transport struct {
    opts Options
    log  *zap.Logger

    mu     sync.Mutex
    closed bool
    bus    *dbus.Conn

    // client role: one profile shared by all dials, NewConnection routed by device path.
    clientPath dbus.ObjectPath
    waiters    map[dbus.ObjectPath]chan *stream

    // cleanup functions to release resources in Close (executed once, in reverse order).
    cleanup []func()
}

// New creates a transport. The system bus is connected lazily.
func New(opts Options) *Transport {
    opts = opts.withDefaults()
    return &Transport{
        opts:    opts,
        log:     opts.Logger.Named("rfcomm"),
        waiters: make(map[dbus.ObjectPath]chan *stream),
    }
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
    if t.closed {
        return ErrClosed
    }
    if t.bus != nil {
        return nil
    }
    c, err := dbus.SystemBus()
    if err != nil {
        return fmt.Errorf("rfcomm: connect system bus: %w", err)
    }
    t.bus = c
    // Close the bus last during cleanup.
    t.cleanup = append(t.cleanup, func() { _ = c.Close() })
    return nil
}

func (t *Transport) connectedBus() (*dbus.Conn, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if err := t.ensureBusLocked(); err != nil {
        return nil, err
    }
    return t.bus, nil
}

func (t *Transport) adapterObject(bus *dbus.Conn) dbus.BusObject {
    return bus.Object(bluezService, dbus.ObjectPath(adapterPath(t.opts.Adapter)))
}

// profile implements org.bluez.Profile1 and hands new connections to deliver.
type profile struct {
    log     *zap.Logger
    deliver func(dev dbus.ObjectPath, st *stream) bool
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the owner of the stream closes it.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection wraps the RFCOMM socket FD and delivers it. Undeliverable
// connections are closed and rejected so no FD leaks.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
    st, err := newStream(int(fd), macFromPath(string(dev)))
    if err != nil {
        p.log.Warn("new connection unusable", zap.String("device", string(dev)), zap.Error(err))
        return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{err.Error()}}
    }
    if !p.deliver(dev, st) {
        _ = st.Close()
        p.log.Debug("new connection rejected", zap.String("device", string(dev)))
        return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
    }
    return nil
}

// Listen registers a server profile (Role="server") for svc on the fixed channel.
func (t *Transport) Listen(_ context.Context, svc connmgr.Service) (connmgr.StreamListener, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if err := t.ensureBusLocked(); err != nil {
        return nil, err
    }

    l := &listener{
        conns: make(chan *stream, 1),
        done:  make(chan struct{}),
    }
    path := nextProfilePath("server")
    prof := &profile{log: t.log, deliver: l.deliver}
    if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
        return nil, fmt.Errorf("rfcomm: export server profile: %w", err)
    }

    optsMap := map[string]dbus.Variant{
        "Name": dbus.MakeVariant(svc.Name),
        "Role": dbus.MakeVariant("server"),
        // BlueZ expects Channel as a uint16 (not byte).
        "Channel": dbus.MakeVariant(t.opts.Channel),
    }
    bus := t.bus
    pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
    if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, svc.UUID.String(), optsMap); call.Err != nil {
        _ = bus.Export(nil, path, profileInterfaceName)
        return nil, fmt.Errorf("rfcomm: RegisterProfile(server): %w", call.Err)
    }
    l.release = func() {
        _ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
        // Unexport the object path (best-effort).
        _ = bus.Export(nil, path, profileInterfaceName)
    }
    t.log.Debug("server profile registered", zap.String("path", string(path)), zap.Uint16("channel", t.opts.Channel))
    return l, nil
}

// Dial connects to the device at peerAddr (MAC or object path), pairing first
// if needed. A pre-registered BlueZ agent must handle pairing prompts.
func (t *Transport) Dial(ctx context.Context, peerAddr string, svc connmgr.Service) (connmgr.Stream, error) {
    if peerAddr == "" {
        return nil, errors.New("rfcomm: peer address required")
    }
    devPath := dbus.ObjectPath(devicePath(t.opts.Adapter, peerAddr))

    t.mu.Lock()
    if err := t.ensureBusLocked(); err != nil {
        t.mu.Unlock()
        return nil, err
    }
    if err := t.ensureClientLocked(svc); err != nil {
        t.mu.Unlock()
        return nil, err
    }
    ch := make(chan *stream, 1)
    t.waiters[devPath] = ch
    bus := t.bus
    t.mu.Unlock()

    defer t.dropWaiter(devPath, ch)

    // Ensure paired; if not, attempt Pair() via Agent.
    devObj := bus.Object(bluezService, devPath)
    var pairedVar dbus.Variant
    if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
        if err := call.Store(&pairedVar); err == nil {
            if b, ok := pairedVar.Value().(bool); ok && !b {
                if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
                    return nil, fmt.Errorf("rfcomm: Pair: %w", err)
                }
            }
        }
    }
    if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, svc.UUID.String()); call.Err != nil {
        return nil, fmt.Errorf("rfcomm: ConnectProfile: %w", call.Err)
    }

    select {
    case <-ctx.Done():
        // Best-effort: drop the half-open profile connection.
        _ = devObj.Call(deviceIface+".DisconnectProfile", 0, svc.UUID.String()).Err
        return nil, fmt.Errorf("rfcomm: connect canceled: %w", ctx.Err())
    case st := <-ch:
        return st, nil
    }
}

// ensureClientLocked exports and registers the client profile once.
func (t *Transport) ensureClientLocked(svc connmgr.Service) error {
    if t.clientPath != "" {
        return nil
    }
    path := nextProfilePath("client")
    prof := &profile{log: t.log, deliver: t.deliverClient}
    if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
        return fmt.Errorf("rfcomm: export client profile: %w", err)
    }
    pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
    optsMap := map[string]dbus.Variant{
        "Role": dbus.MakeVariant("client"),
    }
    if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, svc.UUID.String(), optsMap); call.Err != nil {
        _ = t.bus.Export(nil, path, profileInterfaceName)
        return fmt.Errorf("rfcomm: RegisterProfile(client): %w", call.Err)
    }
    bus := t.bus
    // Unregister client profile on close.
    t.cleanup = append(t.cleanup, func() {
        _ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
        _ = bus.Export(nil, path, profileInterfaceName)
    })
    t.clientPath = path
    return nil
}

func (t *Transport) deliverClient(dev dbus.ObjectPath, st *stream) bool {
    t.mu.Lock()
    ch, ok := t.waiters[dev]
    t.mu.Unlock()
    if !ok {
        return false
    }
    select {
    case ch <- st:
        return true
    default:
        return false
    }
}

func (t *Transport) dropWaiter(dev dbus.ObjectPath, ch chan *stream) {
    t.mu.Lock()
    if t.waiters[dev] == ch {
        delete(t.waiters, dev)
    }
    t.mu.Unlock()
    // A connection may have landed after the dial gave up.
    select {
    case st := <-ch:
        _ = st.Close()
    default:
    }
}

// Close releases D-Bus objects and the bus connection. Safe for concurrent
// and redundant calls (idempotent).
func (t *Transport) Close() error {
    t.mu.Lock()
    if t.closed {
        t.mu.Unlock()
        return nil
    }
    t.closed = true
    cleanup := t.cleanup
    t.cleanup = nil
    t.mu.Unlock()

    // Run cleanup outside the lock in reverse order of registration.
    for i := len(cleanup) - 1; i >= 0; i-- {
        if cleanup[i] != nil {
            cleanup[i]()
        }
    }
    return nil
}

type listener struct {
    conns   chan *stream
    done    chan struct{}
    once    sync.Once
    mu      sync.Mutex
    release func()
}

func (l *listener) deliver(_ dbus.ObjectPath, st *stream) bool {
    l.mu.Lock()
    defer l.mu.Unlock()
    select {
    case <-l.done:
        return false
    default:
    }
    select {
    case l.conns <- st:
        return true
    default:
        return false
    }
}

func (l *listener) Accept(ctx context.Context) (connmgr.Stream, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.done:
        return nil, ErrListenerClosed
    case st := <-l.conns:
        return st, nil
    }
}

func (l *listener) Close() error {
    err := ErrListenerClosed
    l.once.Do(func() {
        l.mu.Lock()
        close(l.done)
        l.mu.Unlock()
        // Drain a connection nobody will accept.
        select {
        case st := <-l.conns:
            _ = st.Close()
        default:
        }
        if l.release != nil {
            l.release()
        }
        err = nil
    })
    return err
}

// stream is a connected RFCOMM socket.
type stream struct {
    f      *os.File
    remote string
}

// newStream takes ownership of fd. The socket is switched to non-blocking mode
// so the runtime poller manages it and Close unblocks a pending Read.
func newStream(fd int, remote string) (*stream, error) {
    if err := unix.SetNonblock(fd, true); err != nil {
        _ = unix.Close(fd)
        return nil, fmt.Errorf("rfcomm: set nonblock: %w", err)
    }
    f := os.NewFile(uintptr(fd), "rfcomm")
    if f == nil {
        _ = unix.Close(fd)
        return nil, errors.New("rfcomm: invalid socket fd")
    }
    return &stream{f: f, remote: remote}, nil
}

func (s *stream) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *stream) Close() error                { return s.f.Close() }
func (s *stream) RemoteAddr() string          { return s.remote }
