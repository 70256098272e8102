// btchat is a two-party chat over a Bluetooth RFCOMM (or TCP) byte stream.
//
// Modes
//
// 1) Chat (default): open the chat, listen for a peer and optionally dial one.
//     sudo btchat -peer AA:BB:CC:DD:EE:FF
//   Inside the chat:
//     /connect <addr>   dial a peer (MAC, BlueZ object path, or host:port for tcp)
//     /disconnect       drop a live connection or cancel a pending one
//     /listen, /unlisten
//     /scan [seconds]   list peers offering the chat service
//     /status, /quit
//   Any other line is sent to the peer.
//
// 2) Scan for peers:
//     btchat -mode scan -timeout 15s
//
// 3) Print an event trace written with trace.path / -trace:
//     btchat -mode trace -trace chat.trace
//
// Prerequisites for RFCOMM: Linux with BlueZ (bluetoothd) and system D-Bus
// access. RegisterProfile usually needs root. Pairing requires a BlueZ agent.
package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "go.uber.org/zap"

    "rfcomm-chat/internal/config"
    "rfcomm-chat/internal/connmgr"
    "rfcomm-chat/internal/observability"
    "rfcomm-chat/internal/trace"
    "rfcomm-chat/internal/transport/rfcomm"
    "rfcomm-chat/internal/transport/tcp"
)

func main() {
    mode := flag.String("mode", "chat", "mode: chat|scan|trace")
    configPath := flag.String("config", "", "Path to YAML config file")
    peer := flag.String("peer", "", "peer to connect to on start (chat mode)")
    kind := flag.String("transport", "", "override transport kind: rfcomm|tcp")
    tracePath := flag.String("trace", "", "trace file (chat: write, trace: read)")
    timeout := flag.Duration("timeout", 15*time.Second, "scan duration")
    flag.Parse()

    cfg, err := config.Load(*configPath)
    if err != nil {
        fmt.Fprintf(os.Stderr, "config: %v\n", err)
        os.Exit(2)
    }
    if *kind != "" {
        cfg.Transport.Kind = *kind
        if err := cfg.Validate(); err != nil {
            fmt.Fprintln(os.Stderr, err)
            os.Exit(2)
        }
    }
    if *tracePath != "" {
        cfg.Trace.Path = *tracePath
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        fmt.Fprintf(os.Stderr, "logger: %v\n", err)
        os.Exit(2)
    }
    defer func() { _ = logger.Sync() }()

    // Ctrl-C cancellation
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    switch strings.ToLower(*mode) {
    case "chat":
        err = runChat(ctx, cfg, logger, *peer)
    case "scan":
        err = runScan(ctx, cfg, logger, *timeout)
    case "trace":
        err = runTrace(cfg.Trace.Path)
    default:
        err = fmt.Errorf("unknown mode: %s", *mode)
    }
    if err != nil {
        logger.Error("btchat failed", zap.String("mode", *mode), zap.Error(err))
        _ = logger.Sync()
        os.Exit(1)
    }
}

// link is what the chat needs from a transport beyond connmgr.Transport.
type link interface {
    connmgr.Transport
    scan(ctx context.Context) ([]peerEntry, error)
    close() error
}

type peerEntry struct {
    Addr  string
    Label string
}

type rfcommLink struct{ *rfcomm.Transport }

func (l rfcommLink) scan(ctx context.Context) ([]peerEntry, error) {
    devs, err := l.Scan(ctx, connmgr.ChatService)
    if err != nil {
        return nil, err
    }
    out := make([]peerEntry, 0, len(devs))
    for _, d := range devs {
        out = append(out, peerEntry{Addr: d.MAC, Label: d.Label()})
    }
    return out, nil
}

func (l rfcommLink) close() error { return l.Close() }

type tcpLink struct{ *tcp.Transport }

func (l tcpLink) scan(ctx context.Context) ([]peerEntry, error) {
    peers, err := l.Browse(ctx, connmgr.ChatService)
    if err != nil {
        return nil, err
    }
    out := make([]peerEntry, 0, len(peers))
    for _, p := range peers {
        out = append(out, peerEntry{Addr: p.Addr, Label: p.Instance})
    }
    return out, nil
}

func (l tcpLink) close() error { return nil }

// openLink builds the configured transport. For RFCOMM a missing adapter is
// fatal, and the radio is switched on and made discoverable as configured.
func openLink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (link, error) {
    switch strings.ToLower(cfg.Transport.Kind) {
    case config.TransportTCP:
        return tcpLink{tcp.New(tcp.Options{
            ListenAddr: cfg.Transport.TCP.Listen,
            Advertise:  cfg.Transport.TCP.Advertise,
            Interface:  cfg.Transport.TCP.Interface,
            Logger:     logger,
        })}, nil
    default:
        t := rfcomm.New(rfcomm.Options{
            Adapter: cfg.Transport.RFCOMM.Adapter,
            Channel: cfg.Transport.RFCOMM.Channel,
            Logger:  logger,
        })
        if err := t.Available(ctx); err != nil {
            _ = t.Close()
            return nil, fmt.Errorf("bluetooth is not supported on this device: %w", err)
        }
        if on, err := t.Powered(ctx); err == nil && !on {
            if !cfg.Transport.RFCOMM.PowerOn {
                _ = t.Close()
                return nil, fmt.Errorf("bluetooth adapter %s is off", cfg.Transport.RFCOMM.Adapter)
            }
            if err := t.PowerOn(ctx); err != nil {
                _ = t.Close()
                return nil, err
            }
        }
        if cfg.Transport.RFCOMM.Discoverable {
            if err := t.SetDiscoverable(ctx, true); err != nil {
                logger.Warn("cannot make adapter discoverable", zap.Error(err))
            }
        }
        return rfcommLink{t}, nil
    }
}

func runScan(ctx context.Context, cfg *config.Config, logger *zap.Logger, d time.Duration) error {
    l, err := openLink(ctx, cfg, logger)
    if err != nil {
        return err
    }
    defer func() { _ = l.close() }()

    ctx, cancel := context.WithTimeout(ctx, d)
    defer cancel()
    peers, err := l.scan(ctx)
    if err != nil {
        return err
    }
    printPeers(os.Stdout, peers)
    return nil
}

func runTrace(path string) error {
    if path == "" {
        return fmt.Errorf("-trace is required in trace mode")
    }
    f, err := os.Open(path)
    if err != nil {
        return err
    }
    defer f.Close()
    records, err := trace.ReadAll(f)
    for _, r := range records {
        fmt.Println(r.String())
    }
    return err
}
