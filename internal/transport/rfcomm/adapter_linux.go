//go:build linux

package rfcomm

import (
    "context"
    "fmt"
    "sort"

    dbus "github.com/godbus/dbus/v5"

    "rfcomm-chat/internal/connmgr"
)

// Available reports ErrUnavailable (wrapped) when the configured adapter does
// not exist or the bus cannot be reached.
func (t *Transport) Available(ctx context.Context) error {
    bus, err := t.connectedBus()
    if err != nil {
        return fmt.Errorf("%w: %v", ErrUnavailable, err)
    }
    var v dbus.Variant
    call := t.adapterObject(bus).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Address")
    if call.Err != nil {
        return fmt.Errorf("%w: adapter %s: %v", ErrUnavailable, t.opts.Adapter, call.Err)
    }
    if err := call.Store(&v); err != nil {
        return fmt.Errorf("%w: adapter %s: %v", ErrUnavailable, t.opts.Adapter, err)
    }
    return nil
}

// Powered reports whether the adapter radio is on.
func (t *Transport) Powered(ctx context.Context) (bool, error) {
    bus, err := t.connectedBus()
    if err != nil {
        return false, err
    }
    var v dbus.Variant
    call := t.adapterObject(bus).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered")
    if call.Err != nil {
        return false, fmt.Errorf("rfcomm: get Powered: %w", call.Err)
    }
    if err := call.Store(&v); err != nil {
        return false, fmt.Errorf("rfcomm: decode Powered: %w", err)
    }
    on, _ := v.Value().(bool)
    return on, nil
}

// PowerOn switches the adapter radio on.
func (t *Transport) PowerOn(ctx context.Context) error {
    return t.setAdapterProp(ctx, "Powered", true)
}

// SetDiscoverable makes the adapter visible to scanning peers with no timeout.
func (t *Transport) SetDiscoverable(ctx context.Context, on bool) error {
    if on {
        if err := t.setAdapterProp(ctx, "DiscoverableTimeout", uint32(0)); err != nil {
            return err
        }
    }
    return t.setAdapterProp(ctx, "Discoverable", on)
}

func (t *Transport) setAdapterProp(ctx context.Context, name string, value interface{}) error {
    bus, err := t.connectedBus()
    if err != nil {
        return err
    }
    call := t.adapterObject(bus).CallWithContext(ctx, propsIface+".Set", 0, adapterIface, name, dbus.MakeVariant(value))
    if call.Err != nil {
        return fmt.Errorf("rfcomm: set %s: %w", name, call.Err)
    }
    return nil
}

// Scan discovers nearby devices advertising svc and returns a snapshot list.
// Discovery runs until ctx is done; use context.WithTimeout as needed.
// Each returned Device has a non-empty Path.
func (t *Transport) Scan(ctx context.Context, svc connmgr.Service) ([]Device, error) {
    bus, err := t.connectedBus()
    if err != nil {
        return nil, err
    }
    want := svc.UUID.String()

    // Start discovery on our adapter (best-effort); stop when done.
    adapter := t.adapterObject(bus)
    _ = adapter.Call(adapterIface+".StartDiscovery", 0).Err
    defer func() { _ = adapter.Call(adapterIface+".StopDiscovery", 0).Err }()

    // Subscribe before the snapshot so no InterfacesAdded is missed in between.
    sigCh := make(chan *dbus.Signal, 16)
    bus.Signal(sigCh)
    defer bus.RemoveSignal(sigCh)
    match := []dbus.MatchOption{
        dbus.WithMatchInterface(objManagerIface),
        dbus.WithMatchMember("InterfacesAdded"),
    }
    if err := bus.AddMatchSignal(match...); err != nil {
        return nil, fmt.Errorf("rfcomm: AddMatchSignal: %w", err)
    }
    defer func() { _ = bus.RemoveMatchSignal(match...) }()

    devMap, err := snapshotDevices(bus, want)
    if err != nil {
        return nil, err
    }

loop:
    for {
        select {
        case <-ctx.Done():
            break loop
        case sig := <-sigCh:
            if sig == nil || len(sig.Body) < 2 {
                continue
            }
            path, _ := sig.Body[0].(dbus.ObjectPath)
            ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
            if ifaces == nil {
                continue
            }
            if dev, ok := deviceFromIfaces(path, ifaces, want); ok {
                devMap[dev.Path] = dev
            }
        }
    }

    out := make([]Device, 0, len(devMap))
    for _, d := range devMap {
        out = append(out, d)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
    return out, nil
}

func snapshotDevices(bus *dbus.Conn, uuid string) (map[string]Device, error) {
    obj := bus.Object(bluezService, dbus.ObjectPath("/"))
    var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
    if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
        return nil, fmt.Errorf("rfcomm: GetManagedObjects: %w", call.Err)
    } else if err := call.Store(&objs); err != nil {
        return nil, fmt.Errorf("rfcomm: decode GetManagedObjects: %w", err)
    }
    out := make(map[string]Device)
    for path, ifaces := range objs {
        if dev, ok := deviceFromIfaces(path, ifaces, uuid); ok {
            out[dev.Path] = dev
        }
    }
    return out, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, uuid string) (Device, bool) {
    props, ok := ifaces[deviceIface]
    if !ok {
        return Device{}, false
    }
    vUUIDs, ok := props["UUIDs"]
    if !ok {
        return Device{}, false
    }
    uu, _ := vUUIDs.Value().([]string)
    if !containsUUID(uu, uuid) {
        return Device{}, false
    }
    var mac, name, alias string
    if v, ok := props["Address"]; ok {
        mac, _ = v.Value().(string)
    }
    if v, ok := props["Name"]; ok {
        name, _ = v.Value().(string)
    }
    if v, ok := props["Alias"]; ok {
        alias, _ = v.Value().(string)
    }
    if mac == "" {
        mac = macFromPath(string(path))
    }
    return Device{
        Path:  string(path),
        MAC:   mac,
        Name:  name,
        Alias: alias,
    }, true
}
