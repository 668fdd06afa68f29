package providers

import (
	"context"
	"fmt"
)

// Dispatcher routes a forward request to the registered forwarder for
// the provider. Providers without an integration fail with
// ErrNotImplemented.
type Dispatcher struct {
	forwarders map[Provider]Forwarder
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{forwarders: make(map[Provider]Forwarder)}
}

// Register installs the forwarder for a provider, replacing any prior
// registration.
func (d *Dispatcher) Register(p Provider, f Forwarder) {
	d.forwarders[p] = f
}

// Dispatch forwards the request to the provider's upstream.
func (d *Dispatcher) Dispatch(ctx context.Context, p Provider, req ForwardRequest) (*ForwardResponse, error) {
	f, ok := d.forwarders[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotImplemented)
	}
	return f.Forward(ctx, req)
}
