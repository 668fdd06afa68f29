package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"agri_gateway/internal/apierror"
	"agri_gateway/internal/providers"
	"agri_gateway/internal/ratelimit"
	"agri_gateway/internal/tokens"
	"agri_gateway/internal/utils"
	"agri_gateway/internal/validation"
)

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type invalidateRequest struct {
	DeveloperID string `json:"developer_id"`
}

// handleCacheInvalidate purges a developer's cached key validations and
// the live minute counters. Called by the dashboard after key
// revocation or a tier change so the change takes effect immediately
// instead of after cache TTL.
func (d *Dependencies) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeveloperID == "" {
		apierror.Write(w, apierror.Validation("developer_id is required"))
		return
	}

	ctx := r.Context()

	prefixes, err := d.Prefixes.ListKeyPrefixes(ctx, req.DeveloperID)
	if err != nil {
		d.Logger.Error().Err(err).Msg("failed to list key prefixes")
		apierror.Write(w, apierror.Internal())
		return
	}

	keys := make([]string, 0, len(prefixes)+2)
	for _, prefix := range prefixes {
		keys = append(keys, "key:"+prefix)
	}

	// Both live minute buckets: the current one and the previous one,
	// whose counter may still be inside its TTL.
	now := d.Clock.Now()
	keys = append(keys,
		ratelimit.MinuteCounterKey(req.DeveloperID, now),
		ratelimit.MinuteCounterKey(req.DeveloperID, now.Add(-time.Minute)),
	)

	if err := d.Cache.Delete(ctx, keys...); err != nil {
		d.Logger.Error().Err(err).Msg("cache invalidation failed")
		apierror.Write(w, apierror.Internal())
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"invalidated":      len(prefixes),
		"rateLimitCleared": true,
	})
}

type storeTokensRequest struct {
	DeveloperID    string   `json:"developer_id"`
	FarmerID       string   `json:"farmer_id"`
	Provider       string   `json:"provider"`
	AccessToken    string   `json:"access_token"`
	RefreshToken   string   `json:"refresh_token"`
	ExpiresIn      int      `json:"expires_in"`
	Scopes         []string `json:"scopes,omitempty"`
	ProviderUserID string   `json:"provider_user_id,omitempty"`
}

// handleStoreTokens persists a fresh token pair after an OAuth
// authorization completes, creating or replacing the farmer connection.
func (d *Dependencies) handleStoreTokens(w http.ResponseWriter, r *http.Request) {
	var req storeTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.Validation("Request body must be a JSON object"))
		return
	}

	switch {
	case req.DeveloperID == "":
		apierror.Write(w, apierror.Validation("developer_id is required"))
		return
	case !validation.ValidFarmerID(req.FarmerID):
		apierror.Write(w, apierror.Validation("Invalid farmer identifier"))
		return
	case req.AccessToken == "" || req.RefreshToken == "":
		apierror.Write(w, apierror.Validation("access_token and refresh_token are required"))
		return
	case req.ExpiresIn <= 0:
		apierror.Write(w, apierror.Validation("expires_in must be positive"))
		return
	}

	if _, err := providers.Parse(req.Provider); err != nil {
		apierror.Write(w, apierror.ProviderNotFound(req.Provider))
		return
	}

	err := d.Tokens.StoreConnection(r.Context(), tokens.StoreParams{
		DeveloperID:    req.DeveloperID,
		FarmerID:       req.FarmerID,
		Provider:       req.Provider,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		ExpiresIn:      req.ExpiresIn,
		Scopes:         req.Scopes,
		ProviderUserID: req.ProviderUserID,
	})
	if err != nil {
		d.Logger.Error().Err(err).Msg("failed to store connection tokens")
		apierror.Write(w, apierror.Internal())
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]bool{"stored": true})
}

// handleRefreshTokens runs one proactive refresh pass. Exposed for
// external schedulers; deployments using the in-process sweeper rarely
// need it.
func (d *Dependencies) handleRefreshTokens(w http.ResponseWriter, r *http.Request) {
	result, err := d.Tokens.Sweep(r.Context())
	if err != nil {
		d.Logger.Error().Err(err).Msg("token sweep failed")
		apierror.Write(w, apierror.Internal())
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, result)
}
