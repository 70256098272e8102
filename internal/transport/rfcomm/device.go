// Package rfcomm carries the chat byte stream over Bluetooth RFCOMM, using the
// BlueZ profile API on the system D-Bus. BlueZ owns the SDP record and the
// RFCOMM sockets; this package registers Profile1 objects and receives the
// connected socket FDs through NewConnection.
//
// Only Linux is supported. On other platforms every operation returns ErrUnavailable.
package rfcomm

import (
    "errors"
    "strings"

    "go.uber.org/zap"
)

const (
    // DefaultAdapter is the BlueZ adapter used when Options.Adapter is empty.
    DefaultAdapter = "hci0"

    // DefaultChannel is the fixed RFCOMM channel for the server-side profile.
    DefaultChannel uint16 = 22
)

var (
    // ErrUnavailable reports that no usable Bluetooth adapter was found.
    ErrUnavailable = errors.New("rfcomm: bluetooth unavailable")
    // ErrClosed is returned after Transport.Close.
    ErrClosed = errors.New("rfcomm: closed")
    // ErrListenerClosed is returned by Accept after the listener is closed.
    ErrListenerClosed = errors.New("rfcomm: listener closed")
)

// Options configures the transport.
type Options struct {
    // Adapter is the controller name, e.g. "hci0".
    Adapter string
    // Channel is the RFCOMM channel requested for the server profile.
    Channel uint16
    Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
    if o.Adapter == "" {
        o.Adapter = DefaultAdapter
    }
    if o.Channel == 0 {
        o.Channel = DefaultChannel
    }
    if o.Logger == nil {
        o.Logger = zap.NewNop()
    }
    return o
}

// Device is a remote device as shown by the device picker.
//
// Path is always set. Other fields are optional and may be empty depending on
// discovery results.
type Device struct {
    Path  string // D-Bus object path, e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
    MAC   string
    Name  string
    Alias string
}

// Label returns the best display name for the device.
func (d Device) Label() string {
    switch {
    case d.Alias != "":
        return d.Alias
    case d.Name != "":
        return d.Name
    default:
        return d.MAC
    }
}

// adapterPath returns the BlueZ object path of the named adapter.
func adapterPath(adapter string) string {
    return "/org/bluez/" + adapter
}

// devicePath maps a peer address to a BlueZ device object path. addr may be
// an object path already or a MAC address in either separator style.
func devicePath(adapter, addr string) string {
    if strings.HasPrefix(addr, "/") {
        return addr
    }
    mac := strings.NewReplacer(":", "_", "-", "_").Replace(strings.ToUpper(addr))
    return adapterPath(adapter) + "/dev_" + mac
}

func macFromPath(p string) string {
    // Expect .../dev_XX_XX_XX_XX_XX_XX
    idx := strings.LastIndex(p, "/dev_")
    if idx < 0 {
        return ""
    }
    return strings.ReplaceAll(p[idx+5:], "_", ":")
}

func containsUUID(list []string, target string) bool {
    for _, s := range list {
        if strings.EqualFold(s, target) {
            return true
        }
    }
    return false
}
