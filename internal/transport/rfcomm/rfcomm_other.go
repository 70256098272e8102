//go:build !linux

package rfcomm

import (
    "context"

    "rfcomm-chat/internal/connmgr"
)

// Transport is unavailable outside Linux; every method returns ErrUnavailable.
type Transport struct{}

func New(Options) *Transport { return &Transport{} }

func (t *Transport) Listen(context.Context, connmgr.Service) (connmgr.StreamListener, error) {
    return nil, ErrUnavailable
}

func (t *Transport) Dial(context.Context, string, connmgr.Service) (connmgr.Stream, error) {
    return nil, ErrUnavailable
}

func (t *Transport) Available(context.Context) error             { return ErrUnavailable }
func (t *Transport) Powered(context.Context) (bool, error)       { return false, ErrUnavailable }
func (t *Transport) PowerOn(context.Context) error               { return ErrUnavailable }
func (t *Transport) SetDiscoverable(context.Context, bool) error { return ErrUnavailable }
func (t *Transport) Close() error                                { return nil }

func (t *Transport) Scan(context.Context, connmgr.Service) ([]Device, error) {
    return nil, ErrUnavailable
}
