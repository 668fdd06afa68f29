package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const johnDeereMaxResponseBytes = 10 << 20

// TokenSource yields a live provider access token for the farmer
// connection behind a request.
type TokenSource interface {
	GetLiveToken(ctx context.Context, developerID, farmerID, provider string) (string, error)
}

// JohnDeereForwarder proxies validated requests to the John Deere MCP
// service, attaching the farmer's OAuth token and the gateway identity
// headers. Upstream calls run behind a circuit breaker so a dead
// upstream sheds load fast instead of tying up request goroutines for
// the full timeout.
type JohnDeereForwarder struct {
	upstreamURL   string
	gatewaySecret string
	tokens        TokenSource
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker
	logger        zerolog.Logger
}

type JohnDeereConfig struct {
	UpstreamURL   string
	GatewaySecret string
	Timeout       time.Duration
}

func NewJohnDeereForwarder(cfg JohnDeereConfig, tokens TokenSource, logger zerolog.Logger) *JohnDeereForwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger = logger.With().Str("component", "johndeere-forwarder").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "johndeere-upstream",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &JohnDeereForwarder{
		upstreamURL:   cfg.UpstreamURL,
		gatewaySecret: cfg.GatewaySecret,
		tokens:        tokens,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breaker,
		logger:  logger,
	}
}

// Forward proxies the request to the MCP upstream. Upstream error
// statuses are relayed as responses, not errors; only transport
// failures and breaker rejections surface as errors.
func (f *JohnDeereForwarder) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	token, err := f.tokens.GetLiveToken(ctx, req.DeveloperID, req.FarmerID, string(JohnDeere))
	if err != nil {
		return nil, err
	}

	res, err := f.breaker.Execute(func() (any, error) {
		return f.doForward(ctx, req, token)
	})
	if err != nil {
		return nil, err
	}

	return res.(*ForwardResponse), nil
}

func (f *JohnDeereForwarder) doForward(ctx context.Context, req ForwardRequest, token string) (*ForwardResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.upstreamURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Developer-ID", req.DeveloperID)
	httpReq.Header.Set("X-API-Key-ID", req.APIKeyID)
	httpReq.Header.Set("X-Tier", req.Tier)
	if req.FarmerID != "" {
		httpReq.Header.Set("X-Farmer-ID", req.FarmerID)
	}
	if f.gatewaySecret != "" {
		httpReq.Header.Set("X-Gateway-Secret", f.gatewaySecret)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, johnDeereMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		f.logger.Warn().
			Int("status", resp.StatusCode).
			Str("developer_id", req.DeveloperID).
			Msg("upstream returned server error")
	}

	return &ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}
