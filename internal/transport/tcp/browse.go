package tcp

import (
    "context"
    "net"
    "sort"
    "strconv"
    "strings"

    "github.com/enbility/zeroconf/v3"

    "rfcomm-chat/internal/connmgr"
)

// Peer is a chat endpoint found over mDNS.
type Peer struct {
    Instance string
    Host     string
    // Addr is a dialable host:port.
    Addr string
}

// Browse collects chat services advertised on the local network until ctx is done.
// Only entries carrying the service UUID of svc are returned.
func (t *Transport) Browse(ctx context.Context, svc connmgr.Service) ([]Peer, error) {
    entries := make(chan *zeroconf.ServiceEntry)
    removed := make(chan *zeroconf.ServiceEntry)

    ifaces, err := interfaces(t.opts.Interface)
    if err != nil {
        return nil, err
    }
    var opts []zeroconf.ClientOption
    if ifaces != nil {
        opts = append(opts, zeroconf.SelectIfaces(ifaces))
    }

    errCh := make(chan error, 1)
    go func() {
        errCh <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
    }()

    found := make(map[string]Peer)
loop:
    for {
        select {
        case <-ctx.Done():
            break loop
        case entry, ok := <-entries:
            if !ok {
                break loop
            }
            if p, ok := peerFromEntry(entry, svc); ok {
                found[p.Instance] = p
            }
        case entry, ok := <-removed:
            if ok && entry != nil {
                delete(found, entry.Instance)
            }
        case err := <-errCh:
            if err != nil {
                return nil, err
            }
            errCh = nil
        }
    }

    out := make([]Peer, 0, len(found))
    for _, p := range found {
        out = append(out, p)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
    return out, nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry, svc connmgr.Service) (Peer, bool) {
    if entry == nil || !hasUUID(entry.Text, svc.UUID.String()) {
        return Peer{}, false
    }
    var ip net.IP
    switch {
    case len(entry.AddrIPv4) > 0:
        ip = entry.AddrIPv4[0]
    case len(entry.AddrIPv6) > 0:
        ip = entry.AddrIPv6[0]
    default:
        return Peer{}, false
    }
    return Peer{
        Instance: entry.Instance,
        Host:     entry.HostName,
        Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
    }, true
}

func hasUUID(txt []string, want string) bool {
    for _, kv := range txt {
        k, v, ok := strings.Cut(kv, "=")
        if ok && k == "uuid" && strings.EqualFold(v, want) {
            return true
        }
    }
    return false
}
