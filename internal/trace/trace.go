// Package trace records connection manager events to a CBOR stream.
//
// A Recorder wraps the application's connmgr.Listener: every event is
// written as one CBOR record and then forwarded unchanged. Records are read
// back with Reader or ReadAll, e.g. by `btchat -mode trace`.
package trace

import (
    "errors"
    "fmt"
    "io"
    "os"
    "sync"
    "time"

    "github.com/fxamacker/cbor/v2"
    "go.uber.org/zap"

    "rfcomm-chat/internal/connmgr"
)

// Kind identifies the listener method a record came from.
type Kind uint8

const (
    KindConnectState Kind = iota + 1
    KindListenState
    KindSendData
    KindReadData
)

func (k Kind) String() string {
    switch k {
    case KindConnectState:
        return "connect-state"
    case KindListenState:
        return "listen-state"
    case KindSendData:
        return "send"
    case KindReadData:
        return "read"
    default:
        return "unknown"
    }
}

// Record is one traced event. Integer keys keep the file compact.
type Record struct {
    Time    time.Time `cbor:"1,keyasint"`
    Kind    Kind      `cbor:"2,keyasint"`
    Old     string    `cbor:"3,keyasint,omitempty"`
    New     string    `cbor:"4,keyasint,omitempty"`
    Success bool      `cbor:"5,keyasint,omitempty"`
    Payload []byte    `cbor:"6,keyasint,omitempty"`
}

func (r Record) String() string {
    ts := r.Time.Format(time.RFC3339Nano)
    switch r.Kind {
    case KindConnectState, KindListenState:
        return fmt.Sprintf("%s %s %s -> %s", ts, r.Kind, r.Old, r.New)
    case KindSendData:
        return fmt.Sprintf("%s %s success=%t %q", ts, r.Kind, r.Success, r.Payload)
    default:
        return fmt.Sprintf("%s %s %q", ts, r.Kind, r.Payload)
    }
}

var (
    encMode cbor.EncMode
    decMode cbor.DecMode
)

func init() {
    var err error
    encMode, err = cbor.EncOptions{
        Sort:        cbor.SortCanonical,
        IndefLength: cbor.IndefLengthForbidden,
        Time:        cbor.TimeRFC3339Nano,
    }.EncMode()
    if err != nil {
        panic(fmt.Sprintf("trace: cbor encoder mode: %v", err))
    }
    decMode, err = cbor.DecOptions{
        DupMapKey: cbor.DupMapKeyQuiet,
    }.DecMode()
    if err != nil {
        panic(fmt.Sprintf("trace: cbor decoder mode: %v", err))
    }
}

// Recorder is a connmgr.Listener that traces events and forwards them to next.
type Recorder struct {
    next connmgr.Listener
    log  *zap.Logger
    now  func() time.Time

    mu     sync.Mutex
    enc    *cbor.Encoder
    closer io.Closer
    failed bool
}

// NewRecorder traces to w. next may be nil.
func NewRecorder(w io.Writer, next connmgr.Listener, log *zap.Logger) *Recorder {
    if log == nil {
        log = zap.NewNop()
    }
    r := &Recorder{
        next: next,
        log:  log.Named("trace"),
        now:  time.Now,
        enc:  encMode.NewEncoder(w),
    }
    if c, ok := w.(io.Closer); ok {
        r.closer = c
    }
    return r
}

// Create opens (truncating) the trace file at path.
func Create(path string, next connmgr.Listener, log *zap.Logger) (*Recorder, error) {
    f, err := os.Create(path)
    if err != nil {
        return nil, fmt.Errorf("trace: create %s: %w", path, err)
    }
    return NewRecorder(f, next, log), nil
}

// Close closes the underlying writer when it is an io.Closer.
func (r *Recorder) Close() error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.closer == nil {
        return nil
    }
    err := r.closer.Close()
    r.closer = nil
    r.failed = true
    return err
}

func (r *Recorder) record(rec Record) {
    rec.Time = r.now()
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.failed {
        return
    }
    if err := r.enc.Encode(rec); err != nil {
        // Stop tracing after the first failure; the chat keeps running.
        r.failed = true
        r.log.Warn("trace write failed", zap.Error(err))
    }
}

func (r *Recorder) OnConnectStateChange(old, new connmgr.ConnectState) {
    r.record(Record{Kind: KindConnectState, Old: old.String(), New: new.String()})
    if r.next != nil {
        r.next.OnConnectStateChange(old, new)
    }
}

func (r *Recorder) OnListenStateChange(old, new connmgr.ListenState) {
    r.record(Record{Kind: KindListenState, Old: old.String(), New: new.String()})
    if r.next != nil {
        r.next.OnListenStateChange(old, new)
    }
}

func (r *Recorder) OnSendData(success bool, payload []byte) {
    r.record(Record{Kind: KindSendData, Success: success, Payload: payload})
    if r.next != nil {
        r.next.OnSendData(success, payload)
    }
}

func (r *Recorder) OnReadData(payload []byte) {
    r.record(Record{Kind: KindReadData, Payload: payload})
    if r.next != nil {
        r.next.OnReadData(payload)
    }
}

// Reader decodes records one at a time.
type Reader struct {
    dec *cbor.Decoder
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
    return &Reader{dec: decMode.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
    var rec Record
    if err := r.dec.Decode(&rec); err != nil {
        return Record{}, err
    }
    return rec, nil
}

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]Record, error) {
    rd := NewReader(r)
    var out []Record
    for {
        rec, err := rd.Next()
        if errors.Is(err, io.EOF) {
            return out, nil
        }
        if err != nil {
            return out, fmt.Errorf("trace: decode: %w", err)
        }
        out = append(out, rec)
    }
}
