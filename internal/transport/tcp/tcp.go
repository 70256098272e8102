// Package tcp carries the chat byte stream over TCP. The listening endpoint can
// be advertised over mDNS with the chat service name and UUID, which stands in
// for the SDP record of the RFCOMM transport.
package tcp

import (
    "context"
    "fmt"
    "net"
    "sync"

    "github.com/enbility/zeroconf/v3"
    "go.uber.org/zap"

    "rfcomm-chat/internal/connmgr"
)

const (
    // ServiceType is the DNS-SD service type used for advertisement and browse.
    ServiceType = "_btchat._tcp"
    // Domain is the mDNS domain.
    Domain = "local."
    // DefaultListenAddr is used when Options.ListenAddr is empty.
    DefaultListenAddr = ":7777"
)

// Options configures the transport.
type Options struct {
    // ListenAddr is the host:port to listen on.
    ListenAddr string
    // Advertise registers the endpoint over mDNS while listening.
    Advertise bool
    // Interface restricts mDNS to one network interface. Empty means all.
    Interface string
    Logger    *zap.Logger
}

// Transport implements connmgr.Transport over TCP.
type Transport struct {
    opts   Options
    log    *zap.Logger
    dialer net.Dialer
    lc     net.ListenConfig
}

// New creates a TCP transport.
func New(opts Options) *Transport {
    if opts.ListenAddr == "" {
        opts.ListenAddr = DefaultListenAddr
    }
    l := opts.Logger
    if l == nil {
        l = zap.NewNop()
    }
    return &Transport{opts: opts, log: l.Named("tcp")}
}

func (t *Transport) Listen(ctx context.Context, svc connmgr.Service) (connmgr.StreamListener, error) {
    ln, err := t.lc.Listen(ctx, "tcp", t.opts.ListenAddr)
    if err != nil {
        return nil, fmt.Errorf("tcp: listen %s: %w", t.opts.ListenAddr, err)
    }
    l := &listener{ln: ln}
    if t.opts.Advertise {
        ifaces, err := interfaces(t.opts.Interface)
        if err != nil {
            _ = ln.Close()
            return nil, err
        }
        port := ln.Addr().(*net.TCPAddr).Port
        server, err := zeroconf.Register(
            svc.Name,
            ServiceType,
            Domain,
            port,
            txtRecords(svc),
            ifaces,
        )
        if err != nil {
            _ = ln.Close()
            return nil, fmt.Errorf("tcp: register mdns service: %w", err)
        }
        l.server = server
        t.log.Info("advertising", zap.String("name", svc.Name), zap.Int("port", port))
    }
    t.log.Debug("listening", zap.String("addr", ln.Addr().String()))
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, peerAddr string, _ connmgr.Service) (connmgr.Stream, error) {
    c, err := t.dialer.DialContext(ctx, "tcp", peerAddr)
    if err != nil {
        return nil, fmt.Errorf("tcp: dial %s: %w", peerAddr, err)
    }
    return NewConn(c), nil
}

type listener struct {
    ln     net.Listener
    server *zeroconf.Server

    once sync.Once
}

// Addr returns the bound address, useful when listening on port 0.
func (l *listener) Addr() net.Addr { return l.ln.Addr() }

func (l *listener) Accept(ctx context.Context) (connmgr.Stream, error) {
    stop := context.AfterFunc(ctx, func() { _ = l.Close() })
    defer stop()
    c, err := l.ln.Accept()
    if err != nil {
        return nil, fmt.Errorf("tcp: accept: %w", err)
    }
    return NewConn(c), nil
}

func (l *listener) Close() error {
    var err error
    l.once.Do(func() {
        if l.server != nil {
            l.server.Shutdown()
        }
        err = l.ln.Close()
    })
    return err
}

// Conn adapts net.Conn to connmgr.Stream.
type Conn struct {
    net.Conn
}

// NewConn wraps a net.Conn.
func NewConn(c net.Conn) *Conn {
    return &Conn{Conn: c}
}

// RemoteAddr implements connmgr.Stream.
func (c *Conn) RemoteAddr() string {
    return c.Conn.RemoteAddr().String()
}

func txtRecords(svc connmgr.Service) []string {
    return []string{
        "name=" + svc.Name,
        "uuid=" + svc.UUID.String(),
        "txtvers=1",
    }
}

// interfaces resolves the configured mDNS interface. An empty name selects
// all interfaces (nil); an unknown name is an error.
func interfaces(name string) ([]net.Interface, error) {
    if name == "" {
        return nil, nil
    }
    iface, err := net.InterfaceByName(name)
    if err != nil {
        return nil, fmt.Errorf("tcp: mdns interface %q: %w", name, err)
    }
    return []net.Interface{*iface}, nil
}
