// Package connmgr owns the lifecycle of a single point-to-point chat connection.
//
// A Manager arbitrates between listening for an inbound RFCOMM-style stream and
// dialing an outbound one, runs the background I/O for the live stream, and
// reports progress through a small state machine (ConnectState x ListenState)
// and four Listener events.
//
// Thread-safety: all Manager methods are safe for concurrent use. Command
// methods never block on network I/O; they only swap ownership and signal
// cancellation to the workers.
package connmgr

import (
    "context"
    "errors"
    "io"

    "github.com/google/uuid"
)

const (
    // SPPUUID is the Serial Port Profile UUID used to advertise and find the chat service.
    SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

    // ServiceName is the human-readable name of the advertised chat service.
    ServiceName = "Chat"

    // DefaultReadBufferSize is the scratch buffer used by the session read loop.
    DefaultReadBufferSize = 1024
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("connmgr: closed")

// Service identifies the listening endpoint. It is fixed for the application.
type Service struct {
    Name string
    UUID uuid.UUID
}

// ChatService is the service record every transport advertises or dials.
var ChatService = Service{
    Name: ServiceName,
    UUID: uuid.MustParse(SPPUUID),
}

// ConnectState tracks the connection axis of the manager.
type ConnectState uint8

const (
    // ConnectIdle means no session exists.
    ConnectIdle ConnectState = iota
    // Connecting means a session exists and its handshake has not completed.
    Connecting
    // Connected means the session's stream is live.
    Connected
)

// String returns the lowercase state name used in logs and traces.
func (s ConnectState) String() string {
    switch s {
    case ConnectIdle:
        return "idle"
    case Connecting:
        return "connecting"
    case Connected:
        return "connected"
    default:
        return "unknown"
    }
}

// ListenState tracks the listening axis of the manager. It is independent of ConnectState.
type ListenState uint8

const (
    // ListenIdle means no endpoint is open.
    ListenIdle ListenState = iota
    // Listening means the acceptor's endpoint is open and accepting.
    Listening
)

// String returns the lowercase state name used in logs and traces.
func (s ListenState) String() string {
    switch s {
    case ListenIdle:
        return "idle"
    case Listening:
        return "listening"
    default:
        return "unknown"
    }
}

// Listener receives manager events. Methods are called from a single internal
// goroutine, in the order the underlying transitions happened. They may call
// back into the Manager.
type Listener interface {
    OnConnectStateChange(old, new ConnectState)
    OnListenStateChange(old, new ListenState)
    // OnSendData reports the outcome of a payload accepted by Send.
    OnSendData(success bool, payload []byte)
    // OnReadData carries bytes exactly as read; one call per read, no framing.
    OnReadData(payload []byte)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
    ConnectStateChange func(old, new ConnectState)
    ListenStateChange  func(old, new ListenState)
    SendData           func(success bool, payload []byte)
    ReadData           func(payload []byte)
}

// OnConnectStateChange calls f.ConnectStateChange if set.
func (f ListenerFuncs) OnConnectStateChange(old, new ConnectState) {
    if f.ConnectStateChange != nil {
        f.ConnectStateChange(old, new)
    }
}

// OnListenStateChange calls f.ListenStateChange if set.
func (f ListenerFuncs) OnListenStateChange(old, new ListenState) {
    if f.ListenStateChange != nil {
        f.ListenStateChange(old, new)
    }
}

// OnSendData calls f.SendData if set.
func (f ListenerFuncs) OnSendData(success bool, payload []byte) {
    if f.SendData != nil {
        f.SendData(success, payload)
    }
}

// OnReadData calls f.ReadData if set.
func (f ListenerFuncs) OnReadData(payload []byte) {
    if f.ReadData != nil {
        f.ReadData(payload)
    }
}

// Stream is one live bidirectional byte stream to exactly one peer.
// Close must unblock a concurrent Read.
type Stream interface {
    io.ReadWriteCloser
    // RemoteAddr returns the peer address in the transport's own format.
    RemoteAddr() string
}

// StreamListener is a listening endpoint. Close must unblock a concurrent Accept.
type StreamListener interface {
    Accept(ctx context.Context) (Stream, error)
    Close() error
}

// Transport opens listening endpoints and dials peers for a Service.
//
// Dial is the initiator handshake: it blocks until the stream is established,
// the ctx is done, or the attempt fails.
type Transport interface {
    Listen(ctx context.Context, svc Service) (StreamListener, error)
    Dial(ctx context.Context, peerAddr string, svc Service) (Stream, error)
}
