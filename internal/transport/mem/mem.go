// Package mem is an in-process transport built on net.Pipe. Each Host is one
// simulated device on a shared Network; hosts reach each other by name.
package mem

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sync"

    "rfcomm-chat/internal/connmgr"
)

var (
    // ErrNoListener is returned by Dial when the peer is not listening.
    ErrNoListener = errors.New("mem: no such listener")
    // ErrListenerClosed is returned by Accept after Close.
    ErrListenerClosed = errors.New("mem: listener closed")
)

// Network is a namespace of listening hosts.
type Network struct {
    mu        sync.Mutex
    listeners map[string]*listener
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
    return &Network{listeners: make(map[string]*listener)}
}

// Host returns a transport for the device called name.
func (n *Network) Host(name string) *Host {
    return &Host{net: n, name: name}
}

// Host implements connmgr.Transport for one device.
type Host struct {
    net  *Network
    name string
}

func (h *Host) Name() string { return h.name }

func (h *Host) Listen(_ context.Context, _ connmgr.Service) (connmgr.StreamListener, error) {
    h.net.mu.Lock()
    defer h.net.mu.Unlock()
    if _, ok := h.net.listeners[h.name]; ok {
        return nil, fmt.Errorf("mem: %s already listening", h.name)
    }
    l := &listener{
        name:    h.name,
        ch:      make(chan *conn),
        closeCh: make(chan struct{}),
        release: func(l *listener) {
            h.net.mu.Lock()
            if h.net.listeners[h.name] == l {
                delete(h.net.listeners, h.name)
            }
            h.net.mu.Unlock()
        },
    }
    h.net.listeners[h.name] = l
    return l, nil
}

// Dial connects to the host called peerAddr. It blocks until the peer's
// listener accepts, the listener closes, or ctx is done.
func (h *Host) Dial(ctx context.Context, peerAddr string, _ connmgr.Service) (connmgr.Stream, error) {
    h.net.mu.Lock()
    l := h.net.listeners[peerAddr]
    h.net.mu.Unlock()
    if l == nil {
        return nil, fmt.Errorf("mem: dial %s: %w", peerAddr, ErrNoListener)
    }

    c1, c2 := net.Pipe()
    local := &conn{Conn: c1, remote: peerAddr}
    remote := &conn{Conn: c2, remote: h.name}

    select {
    case <-ctx.Done():
    case <-l.closeCh:
        _ = c1.Close()
        _ = c2.Close()
        return nil, fmt.Errorf("mem: dial %s: connection refused", peerAddr)
    case l.ch <- remote:
        return local, nil
    }
    _ = c1.Close()
    _ = c2.Close()
    return nil, fmt.Errorf("mem: dial %s: %w", peerAddr, ctx.Err())
}

type listener struct {
    name    string
    once    sync.Once
    ch      chan *conn
    closeCh chan struct{}
    release func(*listener)
}

func (l *listener) Accept(ctx context.Context) (connmgr.Stream, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, ErrListenerClosed
    case c := <-l.ch:
        return c, nil
    }
}

func (l *listener) Close() error {
    err := ErrListenerClosed
    l.once.Do(func() {
        close(l.closeCh)
        l.release(l)
        err = nil
    })
    return err
}

type conn struct {
    net.Conn
    remote string
}

func (c *conn) RemoteAddr() string { return c.remote }
