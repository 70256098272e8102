// Package chat holds the display-side message model. It never touches the
// connection; it only turns typed text into payloads and payloads into lines.
package chat

import (
    "fmt"
    "strings"
    "time"
)

// Sender tells who wrote a message.
type Sender int

const (
    SenderSelf Sender = iota
    SenderPeer
)

func (s Sender) String() string {
    switch s {
    case SenderSelf:
        return "me"
    case SenderPeer:
        return "peer"
    default:
        return "unknown"
    }
}

// Message is one rendered chat line.
type Message struct {
    Sender  Sender
    Content string
    At      time.Time
}

// Outgoing turns typed input into a payload. Surrounding whitespace is
// trimmed; empty input yields ok=false and must not be sent.
func Outgoing(input string) (payload []byte, ok bool) {
    text := strings.TrimSpace(input)
    if text == "" {
        return nil, false
    }
    return []byte(text), true
}

// Sent builds the message shown after a successful send.
func Sent(payload []byte, at time.Time) Message {
    return Message{Sender: SenderSelf, Content: string(payload), At: at}
}

// Received builds the message shown for bytes read from the peer. A read may
// hold a fragment of what the peer sent; it is shown as it arrived.
func Received(payload []byte, at time.Time) Message {
    return Message{Sender: SenderPeer, Content: string(payload), At: at}
}

// Format renders m as a single line.
func Format(m Message) string {
    return fmt.Sprintf("[%s] %s: %s", m.At.Format("15:04:05"), m.Sender, m.Content)
}
