package connmgr

import (
    "time"

    "go.uber.org/zap"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
    log            *zap.Logger
    connectTimeout time.Duration
    readBufferSize int
    strictSend     bool
    service        Service
}

func defaultOptions() options {
    return options{
        log:            zap.NewNop(),
        readBufferSize: DefaultReadBufferSize,
        service:        ChatService,
    }
}

// WithLogger sets the logger used by the manager and its workers.
func WithLogger(l *zap.Logger) Option {
    return func(o *options) {
        if l != nil {
            o.log = l
        }
    }
}

// WithConnectTimeout bounds the initiator handshake. Zero means no deadline.
func WithConnectTimeout(d time.Duration) Option {
    return func(o *options) {
        if d > 0 {
            o.connectTimeout = d
        }
    }
}

// WithReadBufferSize sets the session read buffer. Non-positive values are ignored.
func WithReadBufferSize(n int) Option {
    return func(o *options) {
        if n > 0 {
            o.readBufferSize = n
        }
    }
}

// WithStrictSendResult makes OnSendData report false when the write fails.
// By default a failed write is still reported as success.
func WithStrictSendResult(strict bool) Option {
    return func(o *options) { o.strictSend = strict }
}
