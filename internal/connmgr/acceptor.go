package connmgr

import (
    "context"
    "sync"

    "go.uber.org/zap"
)

// acceptor owns the listening endpoint and promotes accepted streams to sessions.
type acceptor struct {
    m   *Manager
    log *zap.Logger

    ctx       context.Context
    cancelCtx context.CancelFunc

    // prev is the acceptor this one replaced; its endpoint must be closed
    // before a new one is opened.
    prev *acceptor
    // exited is closed when run returns.
    exited chan struct{}

    mu        sync.Mutex
    cancelled bool
    ln        StreamListener
}

func newAcceptor(m *Manager, prev *acceptor) *acceptor {
    ctx, cancel := context.WithCancel(context.Background())
    return &acceptor{
        m:         m,
        log:       m.log.Named("acceptor"),
        ctx:       ctx,
        cancelCtx: cancel,
        prev:      prev,
        exited:    make(chan struct{}),
    }
}

// cancel marks the acceptor cancelled and closes the endpoint to unblock Accept.
func (a *acceptor) cancel() {
    a.mu.Lock()
    if a.cancelled {
        a.mu.Unlock()
        return
    }
    a.cancelled = true
    ln := a.ln
    a.mu.Unlock()

    a.log.Debug("cancel")
    a.cancelCtx()
    if ln != nil {
        _ = ln.Close()
    }
}

func (a *acceptor) isCancelled() bool {
    a.mu.Lock()
    defer a.mu.Unlock()
    return a.cancelled
}

// attach records the open endpoint. It reports false if cancel won the race.
func (a *acceptor) attach(ln StreamListener) bool {
    a.mu.Lock()
    defer a.mu.Unlock()
    if a.cancelled {
        return false
    }
    a.ln = ln
    return true
}

func (a *acceptor) run() {
    defer a.m.workers.Done()
    defer close(a.exited)
    defer a.cancelCtx()

    a.log.Debug("start")
    if a.prev != nil {
        // A cancelled predecessor exits once its blocking call returns.
        <-a.prev.exited
        a.prev = nil
    }
    if a.isCancelled() {
        a.m.retireAcceptor(a)
        a.log.Debug("end, cancelled before listening")
        return
    }
    ln, err := a.m.transport.Listen(a.ctx, a.m.opts.service)
    if err != nil {
        a.log.Warn("listen failed", zap.Error(err))
        a.m.retireAcceptor(a)
        return
    }
    if !a.attach(ln) {
        _ = ln.Close()
        a.m.retireAcceptor(a)
        a.log.Debug("end, cancelled before listening")
        return
    }

    a.m.setListenStateFor(a, Listening)

    for {
        a.log.Debug("wait for accept")
        st, err := ln.Accept(a.ctx)
        if err != nil {
            if !a.isCancelled() {
                a.log.Warn("accept failed", zap.Error(err))
            }
            break
        }
        if a.isCancelled() {
            _ = st.Close()
            break
        }
        if !a.m.promote(a, st) {
            a.log.Info("reject inbound connection", zap.String("peer", st.RemoteAddr()))
            _ = st.Close()
            continue
        }
        a.log.Info("accepted inbound connection", zap.String("peer", st.RemoteAddr()))
    }

    _ = ln.Close()
    a.m.retireAcceptor(a)
    if a.isCancelled() {
        a.log.Debug("end, cancelled")
    } else {
        a.log.Debug("end")
    }
}
