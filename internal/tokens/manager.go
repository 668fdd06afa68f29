package tokens

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"agri_gateway/internal/models"
	"agri_gateway/internal/storage"
	"agri_gateway/internal/utils"
)

var (
	// ErrReauthRequired means the connection is flagged for re-auth:
	// no refresh may be attempted until the farmer reconnects via the
	// dashboard.
	ErrReauthRequired = errors.New("connection requires re-authentication")

	// ErrNoConnection means no active connection exists for the
	// requested (developer, farmer, provider).
	ErrNoConnection = errors.New("no active connection")
)

// RefreshError reports a failed token refresh. Timeout distinguishes
// "the auth server was slow" from "the refresh token was rejected" so
// operators can tell the two apart in diagnostics.
type RefreshError struct {
	Timeout bool
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("token refresh timed out - auth server may be slow: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// ConnectionStore is the slice of the credential store the manager
// needs.
type ConnectionStore interface {
	GetActive(ctx context.Context, developerID, farmerID, provider string) (*models.FarmerConnection, error)
	ListExpiring(ctx context.Context, threshold time.Time) ([]models.FarmerConnection, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessEncrypted, refreshEncrypted string, expiresAt time.Time) error
	MarkNeedsReauth(ctx context.Context, id uuid.UUID, reason string) error
	Upsert(ctx context.Context, conn *models.FarmerConnection) error
}

// TokenCache is the short-TTL decrypted-token cache, distinct from the
// validation cache.
type TokenCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Config holds the manager's tuning and upstream OAuth credentials.
type Config struct {
	ClientID       string
	ClientSecret   string
	TokenURL       string
	RefreshTimeout time.Duration
	RefreshBuffer  time.Duration
	SweepBuffer    time.Duration
	CacheTTL       time.Duration
}

// Manager owns the token lifecycle per farmer connection:
// Active → (within refresh buffer) → Refreshing → Active | NeedsReauth.
// NeedsReauth is terminal until external re-authorization recreates an
// active connection.
type Manager struct {
	store  ConnectionStore
	cache  TokenCache
	crypto *Crypto
	oauth  oauth2.Config
	cfg    Config
	clock  utils.Clock
	logger zerolog.Logger
}

func NewManager(store ConnectionStore, cache TokenCache, crypto *Crypto, cfg Config, clock utils.Clock, logger zerolog.Logger) *Manager {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = 5 * time.Minute
	}
	if cfg.SweepBuffer <= 0 {
		cfg.SweepBuffer = 20 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	return &Manager{
		store:  store,
		cache:  cache,
		crypto: crypto,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "token-manager").Logger(),
	}
}

// cachedToken is the cache entry shape. The TTL never outlives the
// token's real expiry.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GetLiveToken returns a usable access token for the connection,
// refreshing first when expiry is inside the refresh buffer. A
// connection flagged needs_reauth fails fast with ErrReauthRequired
// and never triggers a network call.
func (m *Manager) GetLiveToken(ctx context.Context, developerID, farmerID, provider string) (string, error) {
	now := m.clock.Now()
	cacheKey := tokenCacheKey(developerID, farmerID, provider)

	var cached cachedToken
	if ok, err := m.cache.Get(ctx, cacheKey, &cached); err != nil {
		m.logger.Warn().Err(err).Msg("token cache read failed")
	} else if ok && cached.ExpiresAt.After(now.Add(time.Minute)) {
		return cached.AccessToken, nil
	}

	conn, err := m.store.GetActive(ctx, developerID, farmerID, provider)
	if errors.Is(err, storage.ErrConnectionNotFound) {
		return "", ErrNoConnection
	}
	if err != nil {
		return "", err
	}

	if conn.NeedsReauth {
		return "", ErrReauthRequired
	}

	accessToken, err := m.crypto.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}

	if conn.TokenExpiresAt.Before(now.Add(m.cfg.RefreshBuffer)) {
		return m.refreshConnection(ctx, conn, cacheKey)
	}

	ttl := conn.TokenExpiresAt.Sub(now)
	if ttl > m.cfg.CacheTTL {
		ttl = m.cfg.CacheTTL
	}
	if err := m.cache.Set(ctx, cacheKey, cachedToken{AccessToken: accessToken, ExpiresAt: conn.TokenExpiresAt}, ttl); err != nil {
		m.logger.Warn().Err(err).Msg("token cache write failed")
	}

	return accessToken, nil
}

// refreshConnection refreshes a connection inline and persists the
// outcome. On failure the connection is flagged needs_reauth with the
// error detail; there is no inline retry.
func (m *Manager) refreshConnection(ctx context.Context, conn *models.FarmerConnection, cacheKey string) (string, error) {
	refreshToken, err := m.crypto.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token, refreshErr := m.refresh(ctx, refreshToken)
	if refreshErr != nil {
		m.logger.Error().Err(refreshErr).
			Str("connection_id", conn.ID.String()).
			Msg("token refresh failed, flagging connection for re-auth")

		if err := m.store.MarkNeedsReauth(ctx, conn.ID, refreshErr.Error()); err != nil {
			m.logger.Error().Err(err).Str("connection_id", conn.ID.String()).Msg("failed to persist re-auth flag")
		}
		if err := m.cache.Delete(ctx, cacheKey); err != nil {
			m.logger.Warn().Err(err).Msg("token cache invalidation failed")
		}

		return "", refreshErr
	}

	if err := m.persistRefreshed(ctx, conn.ID, token); err != nil {
		return "", err
	}

	if err := m.cache.Set(ctx, cacheKey, cachedToken{AccessToken: token.AccessToken, ExpiresAt: token.Expiry}, m.cfg.CacheTTL); err != nil {
		m.logger.Warn().Err(err).Msg("token cache write failed")
	}

	return token.AccessToken, nil
}

func (m *Manager) persistRefreshed(ctx context.Context, connID uuid.UUID, token *oauth2.Token) error {
	accessEnc, err := m.crypto.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := m.crypto.Encrypt(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	if err := m.store.UpdateTokens(ctx, connID, accessEnc, refreshEnc, token.Expiry); err != nil {
		return err
	}

	return nil
}

// refresh performs the refresh_token grant with a bounded timeout.
func (m *Manager) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	token, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if isTimeout(err) {
			return nil, &RefreshError{Timeout: true, Err: err}
		}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, &RefreshError{Err: fmt.Errorf("token endpoint returned %d", retrieveErr.Response.StatusCode)}
		}

		return nil, &RefreshError{Err: err}
	}

	// Providers that don't rotate refresh tokens omit them from the
	// response; keep using the old one.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	return token, nil
}

// StoreParams is the payload of the token-store endpoint, fed by the
// OAuth callback flow.
type StoreParams struct {
	DeveloperID    string
	FarmerID       string
	Provider       string
	AccessToken    string
	RefreshToken   string
	ExpiresIn      int
	Scopes         []string
	ProviderUserID string
}

// StoreConnection encrypts raw tokens and upserts the connection for
// (developer, farmer, provider), clearing any prior re-auth flag.
func (m *Manager) StoreConnection(ctx context.Context, p StoreParams) error {
	developerID, err := uuid.Parse(p.DeveloperID)
	if err != nil {
		return fmt.Errorf("invalid developer id: %w", err)
	}

	accessEnc, err := m.crypto.Encrypt(p.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := m.crypto.Encrypt(p.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	conn := &models.FarmerConnection{
		DeveloperID:           developerID,
		FarmerIdentifier:      p.FarmerID,
		Provider:              p.Provider,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		TokenExpiresAt:        m.clock.Now().Add(time.Duration(p.ExpiresIn) * time.Second),
		Scopes:                p.Scopes,
	}
	if p.ProviderUserID != "" {
		conn.ProviderUserID.String = p.ProviderUserID
		conn.ProviderUserID.Valid = true
	}

	if err := m.store.Upsert(ctx, conn); err != nil {
		return err
	}

	if err := m.cache.Delete(ctx, tokenCacheKey(p.DeveloperID, p.FarmerID, p.Provider)); err != nil {
		m.logger.Warn().Err(err).Msg("token cache invalidation failed")
	}

	return nil
}

func tokenCacheKey(developerID, farmerID, provider string) string {
	return fmt.Sprintf("token:%s:%s:%s", developerID, farmerID, provider)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
