package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agri_gateway/internal/apierror"
	"agri_gateway/internal/models"
	"agri_gateway/internal/providers"
	"agri_gateway/internal/ratelimit"
	"agri_gateway/internal/tokens"
	"agri_gateway/internal/validation"
)

const (
	apiKeyHeader    = "X-API-Key"
	farmerIDHeader  = "X-Farmer-ID"
	remainingHeader = "X-RateLimit-Remaining"
)

// extractAPIKey reads the caller credential. Authorization: Bearer is
// the documented form; X-API-Key is kept as a fallback for callers
// wired before the bearer contract.
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get(apiKeyHeader)
}

// handleGateway is the entry point for proxied provider requests, both
// the auto-routing /v1/mcp form and the explicit /v1/{provider} form.
//
// Gate order:
//  1. Farmer ID format check
//  2. Failed-auth throttle
//  3. API key validation
//  4. Body parse and provider routing (path param or connection list,
//     disambiguated by the body's provider argument)
//  5. Monthly quota, then per-minute limit; a minute rejection hands
//     the already-spent monthly unit back
//  6. Depth check and sanitization (failures also refund)
//  7. Dispatch, then usage recording
func (d *Dependencies) handleGateway(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := d.Logger.With().Str("request_id", uuid.NewString()).Logger()

	// The farmer header is required on every gateway request; an empty
	// value fails the format check.
	farmerID := r.Header.Get(farmerIDHeader)
	if !validation.ValidFarmerID(farmerID) {
		apierror.Write(w, apierror.Validation("Missing or invalid X-Farmer-ID header"))
		return
	}

	rawKey := extractAPIKey(r)
	throttleKey := ratelimit.ThrottleKey(rawKey)

	allowed, err := d.Throttle.Allowed(ctx, throttleKey)
	if err != nil {
		logger.Error().Err(err).Msg("auth throttle check failed")
		apierror.Write(w, apierror.Internal())
		return
	}
	if !allowed {
		apierror.Write(w, apierror.AuthRateLimited())
		return
	}

	keyValidation, err := d.Keys.Validate(ctx, rawKey)
	if err != nil {
		logger.Error().Err(err).Msg("key validation failed")
		apierror.Write(w, apierror.Internal())
		return
	}
	if !keyValidation.Valid {
		if err := d.Throttle.RecordFailure(ctx, throttleKey); err != nil {
			logger.Warn().Err(err).Msg("failed to record auth failure")
		}
		apierror.Write(w, apierror.Unauthorized())
		return
	}

	developerID := keyValidation.Developer.ID.String()
	tier := keyValidation.Subscription.Tier
	logger = logger.With().Str("developer_id", developerID).Str("tier", string(tier)).Logger()

	// The body is parsed before routing because the auto-routing form
	// may need the provider argument inside it. Depth and key
	// sanitization wait until after the quota gates.
	body, err := validation.ParseJSONBody(r.Body, d.Config.Gateway.MaxBodyBytes)
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrBodyTooLarge):
			apierror.Write(w, apierror.Validation("Request body too large"))
		default:
			apierror.Write(w, apierror.Validation("Request body must be a JSON object"))
		}
		return
	}

	// Resolve the target provider. The explicit form names it in the
	// path; the auto-routing form derives it from the farmer's
	// connections, falling back to the body's provider argument when
	// several are connected. All routing rejections happen before any
	// quota is spent.
	var provider providers.Provider

	if explicit := chi.URLParam(r, "provider"); explicit != "" {
		provider, err = providers.Parse(explicit)
		if err != nil {
			apierror.Write(w, apierror.ProviderNotFound(explicit))
			return
		}
	} else {
		connected, err := d.Connections.ListActiveProviders(ctx, developerID, farmerID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to list farmer connections")
			apierror.Write(w, apierror.Internal())
			return
		}

		switch {
		case len(connected) == 0:
			apierror.Write(w, apierror.NoProviders())
			return
		case len(connected) == 1:
			provider, err = providers.Parse(connected[0])
			if err != nil {
				logger.Error().Err(err).Str("provider", connected[0]).Msg("stored connection has unknown provider")
				apierror.Write(w, apierror.Internal())
				return
			}
		default:
			arg := validation.ExtractProviderArg(body)
			if arg == "" {
				apierror.Write(w, apierror.AmbiguousProvider(connected))
				return
			}
			provider, err = providers.Parse(arg)
			if err != nil {
				apierror.Write(w, apierror.ProviderNotFound(arg))
				return
			}
			if !contains(connected, string(provider)) {
				apierror.Write(w, apierror.ProviderNotConnected(string(provider)))
				return
			}
		}
	}

	monthlyLimit := keyValidation.Subscription.MonthlyRequestLimit
	if monthlyLimit <= 0 {
		monthlyLimit = d.Config.Tiers.Limits(tier).MonthlyRequests
	}

	monthRes, err := d.Monthly.CheckAndIncrement(ctx, developerID, monthlyLimit)
	if err != nil {
		logger.Error().Err(err).Msg("monthly quota check failed")
		apierror.Write(w, apierror.Internal())
		return
	}
	if !monthRes.Allowed {
		apierror.Write(w, apierror.RateLimited(monthRes.ResetAt))
		return
	}

	// Past this point the monthly unit is spent; failures that never
	// reach the upstream hand it back.
	refund := func() {
		if err := d.Monthly.Decrement(context.WithoutCancel(ctx), developerID); err != nil {
			logger.Warn().Err(err).Msg("monthly quota refund failed")
		}
	}

	minuteRes, err := d.Minute.Allow(ctx, developerID, d.Config.PerMinuteLimit(tier))
	if err != nil {
		refund()
		logger.Error().Err(err).Msg("minute limit check failed")
		apierror.Write(w, apierror.Internal())
		return
	}
	if !minuteRes.Allowed {
		refund()
		w.Header().Set(remainingHeader, "0")
		apierror.Write(w, apierror.RateLimited(minuteRes.ResetAt))
		return
	}
	w.Header().Set(remainingHeader, strconv.Itoa(minuteRes.Remaining))

	if err := validation.CheckDepth(body, d.Config.Gateway.MaxJSONDepth); err != nil {
		refund()
		apierror.Write(w, apierror.Validation("Request body exceeds maximum nesting depth"))
		return
	}
	body = validation.Sanitize(body)

	payload, err := json.Marshal(body)
	if err != nil {
		refund()
		logger.Error().Err(err).Msg("failed to re-encode request body")
		apierror.Write(w, apierror.Internal())
		return
	}

	statusCode, errorType := d.dispatch(ctx, w, logger, provider, providers.ForwardRequest{
		DeveloperID: developerID,
		APIKeyID:    keyValidation.KeyID,
		FarmerID:    farmerID,
		Tier:        string(tier),
		Body:        payload,
	})

	d.recordUsage(ctx, logger, keyValidation, provider, validation.ExtractToolName(body), statusCode, errorType, time.Since(start))
}

// dispatch forwards the request and writes the response, returning the
// status and error class for the usage record.
func (d *Dependencies) dispatch(ctx context.Context, w http.ResponseWriter, logger zerolog.Logger, provider providers.Provider, req providers.ForwardRequest) (int, string) {
	resp, err := d.Dispatcher.Dispatch(ctx, provider, req)
	if err != nil {
		switch {
		case errors.Is(err, providers.ErrNotImplemented):
			apierror.Write(w, apierror.NotImplemented(string(provider)))
			return http.StatusNotImplemented, "not_implemented"
		case errors.Is(err, tokens.ErrReauthRequired):
			apierror.Write(w, apierror.ReauthRequired())
			return http.StatusUnauthorized, "reauth_required"
		case errors.Is(err, tokens.ErrNoConnection):
			apierror.Write(w, apierror.ProviderNotConnected(string(provider)))
			return http.StatusBadRequest, "not_connected"
		default:
			logger.Error().Err(err).Str("provider", string(provider)).Msg("upstream dispatch failed")
			apierror.Write(w, apierror.Internal())
			return http.StatusInternalServerError, "upstream_error"
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		logger.Warn().Err(err).Msg("failed to write response body")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, "upstream_status"
	}
	return resp.StatusCode, ""
}

func (d *Dependencies) recordUsage(ctx context.Context, logger zerolog.Logger, keyValidation *models.KeyValidation, provider providers.Provider, toolName string, statusCode int, errorType string, elapsed time.Duration) {
	keyID, err := uuid.Parse(keyValidation.KeyID)
	if err != nil {
		logger.Warn().Err(err).Msg("usage record skipped, bad key id")
		return
	}

	record := &models.UsageRecord{
		ID:             uuid.New(),
		DeveloperID:    keyValidation.Developer.ID,
		APIKeyID:       keyID,
		Provider:       string(provider),
		ToolName:       toolName,
		ResponseTimeMS: int(elapsed.Milliseconds()),
		StatusCode:     statusCode,
		ErrorType:      errorType,
		CreatedAt:      d.Clock.Now(),
	}

	if err := d.Usage.Enqueue(context.WithoutCancel(ctx), record); err != nil {
		logger.Warn().Err(err).Msg("usage record dropped")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
