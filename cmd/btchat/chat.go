package main

import (
    "context"
    "fmt"
    "io"
    "strconv"
    "strings"
    "time"

    "github.com/chzyer/readline"
    "go.uber.org/zap"

    "rfcomm-chat/internal/chat"
    "rfcomm-chat/internal/config"
    "rfcomm-chat/internal/connmgr"
    "rfcomm-chat/internal/trace"
)

// screen renders manager events. Callbacks run on the manager's event
// goroutine; readline's writer keeps the prompt intact.
type screen struct {
    out io.Writer
    rl  *readline.Instance
}

func (s *screen) OnConnectStateChange(old, new connmgr.ConnectState) {
    fmt.Fprintf(s.out, "-- connection: %s -> %s\n", old, new)
    s.rl.SetPrompt(prompt(new))
    s.rl.Refresh()
}

func (s *screen) OnListenStateChange(old, new connmgr.ListenState) {
    fmt.Fprintf(s.out, "-- listening: %s -> %s\n", old, new)
}

// OnSendData shows our own message only once the write reports success.
func (s *screen) OnSendData(success bool, payload []byte) {
    if !success {
        fmt.Fprintf(s.out, "-- send failed: %q\n", payload)
        return
    }
    fmt.Fprintln(s.out, chat.Format(chat.Sent(payload, time.Now())))
}

func (s *screen) OnReadData(payload []byte) {
    fmt.Fprintln(s.out, chat.Format(chat.Received(payload, time.Now())))
}

func prompt(st connmgr.ConnectState) string {
    switch st {
    case connmgr.Connected:
        return "chat> "
    case connmgr.Connecting:
        return "(connecting) > "
    default:
        return "(offline) > "
    }
}

func runChat(ctx context.Context, cfg *config.Config, logger *zap.Logger, peer string) error {
    l, err := openLink(ctx, cfg, logger)
    if err != nil {
        return err
    }
    defer func() { _ = l.close() }()

    rl, err := readline.NewEx(&readline.Config{
        Prompt:          prompt(connmgr.ConnectIdle),
        InterruptPrompt: "^C",
        EOFPrompt:       "exit",
    })
    if err != nil {
        return fmt.Errorf("failed to create readline: %w", err)
    }
    defer rl.Close()

    var listener connmgr.Listener = &screen{out: rl.Stdout(), rl: rl}
    if cfg.Trace.Path != "" {
        rec, err := trace.Create(cfg.Trace.Path, listener, logger)
        if err != nil {
            return err
        }
        defer rec.Close()
        listener = rec
    }

    m := connmgr.New(l, listener,
        connmgr.WithLogger(logger),
        connmgr.WithConnectTimeout(cfg.ConnectTimeout),
        connmgr.WithReadBufferSize(cfg.ReadBuffer),
        connmgr.WithStrictSendResult(cfg.StrictSendResult),
    )
    // Same order as leaving the chat screen: drop the peer, stop listening.
    defer func() {
        m.Disconnect()
        m.StopListening()
        _ = m.Close()
    }()

    if cfg.ListenOnStart {
        if err := m.StartListening(); err != nil {
            return err
        }
    }
    if peer != "" {
        if err := m.Connect(peer); err != nil {
            return err
        }
    }

    go func() {
        <-ctx.Done()
        _ = rl.Close()
    }()

    c := &console{m: m, link: l, out: rl.Stdout()}
    c.help()
    for {
        line, err := rl.Readline()
        if err != nil {
            if err == readline.ErrInterrupt {
                continue
            }
            return nil
        }
        if !c.handle(ctx, line) {
            return nil
        }
    }
}

type console struct {
    m    *connmgr.Manager
    link link
    out  io.Writer
}

// handle runs one input line and reports whether the chat should continue.
func (c *console) handle(ctx context.Context, line string) bool {
    if !strings.HasPrefix(line, "/") {
        c.send(line)
        return true
    }
    fields := strings.Fields(line)
    args := fields[1:]
    switch strings.ToLower(fields[0]) {
    case "/quit", "/exit", "/q":
        return false
    case "/help", "/?":
        c.help()
    case "/connect":
        c.connect(args)
    case "/disconnect":
        c.m.Disconnect()
    case "/listen":
        if err := c.m.StartListening(); err != nil {
            fmt.Fprintf(c.out, "-- listen: %v\n", err)
        }
    case "/unlisten":
        c.m.StopListening()
    case "/scan":
        c.scan(ctx, args)
    case "/status":
        fmt.Fprintf(c.out, "-- connection=%s listening=%s\n", c.m.CurrentConnectState(), c.m.CurrentListenState())
    default:
        fmt.Fprintf(c.out, "Unknown command: %s (type /help for commands)\n", fields[0])
    }
    return true
}

func (c *console) send(line string) {
    payload, ok := chat.Outgoing(line)
    if !ok {
        return
    }
    if !c.m.Send(payload) {
        fmt.Fprintln(c.out, "-- not connected, message not sent")
    }
}

// connect dials when idle; a pending or live connection must be dropped first.
func (c *console) connect(args []string) {
    if len(args) != 1 {
        fmt.Fprintln(c.out, "usage: /connect <addr>")
        return
    }
    if st := c.m.CurrentConnectState(); st != connmgr.ConnectIdle {
        fmt.Fprintf(c.out, "-- already %s, use /disconnect first\n", st)
        return
    }
    if err := c.m.Connect(args[0]); err != nil {
        fmt.Fprintf(c.out, "-- connect: %v\n", err)
    }
}

func (c *console) scan(ctx context.Context, args []string) {
    d := 10 * time.Second
    if len(args) > 0 {
        if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
            d = time.Duration(n) * time.Second
        }
    }
    fmt.Fprintf(c.out, "-- scanning for %s...\n", d)
    ctx, cancel := context.WithTimeout(ctx, d)
    defer cancel()
    peers, err := c.link.scan(ctx)
    if err != nil {
        fmt.Fprintf(c.out, "-- scan: %v\n", err)
        return
    }
    printPeers(c.out, peers)
}

func (c *console) help() {
    fmt.Fprintln(c.out, `Commands:
  /connect <addr>   dial a peer
  /disconnect       drop or cancel the connection
  /listen           accept incoming connections
  /unlisten         stop accepting
  /scan [seconds]   list peers offering the chat service
  /status           show connection and listening state
  /quit             leave the chat
Anything else is sent to the peer.`)
}

func printPeers(w io.Writer, peers []peerEntry) {
    if len(peers) == 0 {
        fmt.Fprintln(w, "no peers found")
        return
    }
    for i, p := range peers {
        fmt.Fprintf(w, "[%d] %s  %s\n", i, p.Addr, p.Label)
    }
}
