package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Provider identifies an agricultural data platform. The set is
// closed: adding a platform means adding a constant here and a
// Forwarder for it, so an unhandled value is a programming error
// rather than a runtime surprise.
type Provider string

const (
	JohnDeere        Provider = "john_deere"
	ClimateFieldView Provider = "climate_fieldview"
	CNHI             Provider = "cnhi"
)

// All lists every known provider in a stable order.
func All() []Provider {
	return []Provider{JohnDeere, ClimateFieldView, CNHI}
}

// Parse maps a wire string to a Provider.
func Parse(s string) (Provider, error) {
	switch Provider(s) {
	case JohnDeere, ClimateFieldView, CNHI:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// ErrNotImplemented marks a provider that is declared but has no
// upstream integration yet.
var ErrNotImplemented = errors.New("provider not implemented")

// ForwardRequest carries everything a forwarder needs to proxy one
// request upstream.
type ForwardRequest struct {
	DeveloperID string
	APIKeyID    string
	FarmerID    string
	Tier        string
	Body        []byte
}

// ForwardResponse is the upstream's reply, relayed to the caller
// verbatim.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder proxies a request to one provider's upstream service.
type Forwarder interface {
	Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error)
}
