package connmgr

import "sync"

type eventKind uint8

const (
    evConnectState eventKind = iota
    evListenState
    evSendData
    evReadData
)

type event struct {
    kind eventKind

    oldConnect, newConnect ConnectState
    oldListen, newListen   ListenState

    success bool
    payload []byte
}

// dispatcher delivers events to the listener from one goroutine, in enqueue order.
// The queue is unbounded so producers never block on a slow listener.
type dispatcher struct {
    listener Listener

    mu      sync.Mutex
    queue   []event
    stopped bool

    wake chan struct{}
    done chan struct{}
}

func newDispatcher(l Listener) *dispatcher {
    d := &dispatcher{
        listener: l,
        wake:     make(chan struct{}, 1),
        done:     make(chan struct{}),
    }
    go d.run()
    return d
}

func (d *dispatcher) enabled() bool { return d.listener != nil }

func (d *dispatcher) enqueue(ev event) {
    if d.listener == nil {
        return
    }
    d.mu.Lock()
    if d.stopped {
        d.mu.Unlock()
        return
    }
    d.queue = append(d.queue, ev)
    d.mu.Unlock()

    select {
    case d.wake <- struct{}{}:
    default:
    }
}

func (d *dispatcher) run() {
    defer close(d.done)
    for {
        d.mu.Lock()
        batch := d.queue
        d.queue = nil
        stopped := d.stopped
        d.mu.Unlock()

        for _, ev := range batch {
            d.deliver(ev)
        }
        if len(batch) > 0 {
            continue
        }
        if stopped {
            return
        }
        <-d.wake
    }
}

func (d *dispatcher) deliver(ev event) {
    switch ev.kind {
    case evConnectState:
        d.listener.OnConnectStateChange(ev.oldConnect, ev.newConnect)
    case evListenState:
        d.listener.OnListenStateChange(ev.oldListen, ev.newListen)
    case evSendData:
        d.listener.OnSendData(ev.success, ev.payload)
    case evReadData:
        d.listener.OnReadData(ev.payload)
    }
}

// stop delivers everything already queued, then ends the goroutine.
// It must not be called from a listener callback.
func (d *dispatcher) stop() {
    d.mu.Lock()
    d.stopped = true
    d.mu.Unlock()
    select {
    case d.wake <- struct{}{}:
    default:
    }
    <-d.done
}
