package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri_gateway/internal/models"
	"agri_gateway/internal/storage"
	"agri_gateway/internal/utils"
)

type updateCall struct {
	id         uuid.UUID
	accessEnc  string
	refreshEnc string
	expiresAt  time.Time
}

type reauthCall struct {
	id     uuid.UUID
	reason string
}

type fakeConnStore struct {
	mu       sync.Mutex
	conns    map[string]*models.FarmerConnection
	expiring []models.FarmerConnection
	updates  []updateCall
	reauths  []reauthCall
	upserts  []*models.FarmerConnection
}

func newFakeConnStore() *fakeConnStore {
	return &fakeConnStore{conns: make(map[string]*models.FarmerConnection)}
}

func connKey(developerID, farmerID, provider string) string {
	return developerID + ":" + farmerID + ":" + provider
}

func (s *fakeConnStore) add(developerID, farmerID, provider string, conn *models.FarmerConnection) {
	s.conns[connKey(developerID, farmerID, provider)] = conn
}

func (s *fakeConnStore) GetActive(ctx context.Context, developerID, farmerID, provider string) (*models.FarmerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connKey(developerID, farmerID, provider)]
	if !ok {
		return nil, storage.ErrConnectionNotFound
	}
	copied := *conn
	return &copied, nil
}

func (s *fakeConnStore) ListExpiring(ctx context.Context, threshold time.Time) ([]models.FarmerConnection, error) {
	return s.expiring, nil
}

func (s *fakeConnStore) UpdateTokens(ctx context.Context, id uuid.UUID, accessEncrypted, refreshEncrypted string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateCall{id, accessEncrypted, refreshEncrypted, expiresAt})
	return nil
}

func (s *fakeConnStore) MarkNeedsReauth(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reauths = append(s.reauths, reauthCall{id, reason})
	for _, conn := range s.conns {
		if conn.ID == id {
			conn.NeedsReauth = true
		}
	}
	return nil
}

func (s *fakeConnStore) Upsert(ctx context.Context, conn *models.FarmerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, conn)
	return nil
}

type fakeTokenCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deletes []string
}

func newFakeTokenCache() *fakeTokenCache {
	return &fakeTokenCache{entries: make(map[string][]byte)}
}

func (c *fakeTokenCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *fakeTokenCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *fakeTokenCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
		c.deletes = append(c.deletes, key)
	}
	return nil
}

type managerFixture struct {
	manager *Manager
	store   *fakeConnStore
	cache   *fakeTokenCache
	crypto  *Crypto
	clock   *utils.FixedClock
}

func newManagerFixture(t *testing.T, tokenURL string) *managerFixture {
	t.Helper()

	crypto, err := NewCrypto([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	store := newFakeConnStore()
	cache := newFakeTokenCache()
	clock := &utils.FixedClock{Instant: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}

	manager := NewManager(store, cache, crypto, Config{
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		TokenURL:       tokenURL,
		RefreshTimeout: 2 * time.Second,
		RefreshBuffer:  5 * time.Minute,
		SweepBuffer:    20 * time.Minute,
		CacheTTL:       5 * time.Minute,
	}, clock, zerolog.Nop())

	return &managerFixture{manager: manager, store: store, cache: cache, crypto: crypto, clock: clock}
}

func (f *managerFixture) seedConnection(t *testing.T, expiresAt time.Time, needsReauth bool) *models.FarmerConnection {
	t.Helper()

	accessEnc, err := f.crypto.Encrypt("stored-access-token")
	require.NoError(t, err)
	refreshEnc, err := f.crypto.Encrypt("stored-refresh-token")
	require.NoError(t, err)

	conn := &models.FarmerConnection{
		ID:                    uuid.New(),
		DeveloperID:           uuid.New(),
		FarmerIdentifier:      "farmer-1",
		Provider:              "john_deere",
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		TokenExpiresAt:        expiresAt,
		IsActive:              true,
		NeedsReauth:           needsReauth,
	}
	f.store.add(conn.DeveloperID.String(), "farmer-1", "john_deere", conn)
	return conn
}

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func refreshResponse(accessToken, refreshToken string, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		}
		if refreshToken != "" {
			resp["refresh_token"] = refreshToken
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestManager_GetLiveToken(t *testing.T) {
	ctx := context.Background()

	t.Run("no connection", func(t *testing.T) {
		f := newManagerFixture(t, "http://unused")

		_, err := f.manager.GetLiveToken(ctx, uuid.NewString(), "farmer-1", "john_deere")
		assert.ErrorIs(t, err, ErrNoConnection)
	})

	t.Run("returns stored token when expiry is far out", func(t *testing.T) {
		f := newManagerFixture(t, "http://unused")
		conn := f.seedConnection(t, f.clock.Instant.Add(time.Hour), false)

		token, err := f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		require.NoError(t, err)
		assert.Equal(t, "stored-access-token", token)

		// The decrypted token is now cached.
		cacheKey := tokenCacheKey(conn.DeveloperID.String(), "farmer-1", "john_deere")
		assert.Contains(t, f.cache.entries, cacheKey)
	})

	t.Run("serves from cache without touching the store", func(t *testing.T) {
		f := newManagerFixture(t, "http://unused")
		developerID := uuid.NewString()

		cacheKey := tokenCacheKey(developerID, "farmer-1", "john_deere")
		require.NoError(t, f.cache.Set(ctx, cacheKey, cachedToken{
			AccessToken: "cached-token",
			ExpiresAt:   f.clock.Instant.Add(time.Hour),
		}, time.Minute))

		token, err := f.manager.GetLiveToken(ctx, developerID, "farmer-1", "john_deere")
		require.NoError(t, err)
		assert.Equal(t, "cached-token", token)
	})

	t.Run("ignores cache entries about to expire", func(t *testing.T) {
		f := newManagerFixture(t, "http://unused")
		conn := f.seedConnection(t, f.clock.Instant.Add(time.Hour), false)

		cacheKey := tokenCacheKey(conn.DeveloperID.String(), "farmer-1", "john_deere")
		require.NoError(t, f.cache.Set(ctx, cacheKey, cachedToken{
			AccessToken: "stale-token",
			ExpiresAt:   f.clock.Instant.Add(30 * time.Second),
		}, time.Minute))

		token, err := f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		require.NoError(t, err)
		assert.Equal(t, "stored-access-token", token)
	})

	t.Run("refreshes inside the buffer", func(t *testing.T) {
		server := tokenEndpoint(t, refreshResponse("refreshed-access", "rotated-refresh", 3600))
		f := newManagerFixture(t, server.URL)
		conn := f.seedConnection(t, f.clock.Instant.Add(2*time.Minute), false)

		token, err := f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		require.NoError(t, err)
		assert.Equal(t, "refreshed-access", token)

		require.Len(t, f.store.updates, 1)
		update := f.store.updates[0]
		assert.Equal(t, conn.ID, update.id)

		access, err := f.crypto.Decrypt(update.accessEnc)
		require.NoError(t, err)
		assert.Equal(t, "refreshed-access", access)

		refresh, err := f.crypto.Decrypt(update.refreshEnc)
		require.NoError(t, err)
		assert.Equal(t, "rotated-refresh", refresh)
	})

	t.Run("keeps the old refresh token when rotation is omitted", func(t *testing.T) {
		server := tokenEndpoint(t, refreshResponse("refreshed-access", "", 3600))
		f := newManagerFixture(t, server.URL)
		conn := f.seedConnection(t, f.clock.Instant.Add(time.Minute), false)

		_, err := f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		require.NoError(t, err)

		require.Len(t, f.store.updates, 1)
		refresh, err := f.crypto.Decrypt(f.store.updates[0].refreshEnc)
		require.NoError(t, err)
		assert.Equal(t, "stored-refresh-token", refresh)
	})

	t.Run("rejected refresh flags the connection", func(t *testing.T) {
		server := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		})
		f := newManagerFixture(t, server.URL)
		conn := f.seedConnection(t, f.clock.Instant.Add(time.Minute), false)

		_, err := f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		require.Error(t, err)

		var refreshErr *RefreshError
		require.ErrorAs(t, err, &refreshErr)
		assert.False(t, refreshErr.Timeout)

		require.Len(t, f.store.reauths, 1)
		assert.Equal(t, conn.ID, f.store.reauths[0].id)

		// The connection is now terminal until re-authorization.
		_, err = f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		assert.ErrorIs(t, err, ErrReauthRequired)
	})

	t.Run("slow auth server times out and flags the connection", func(t *testing.T) {
		server := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		})
		f := newManagerFixture(t, server.URL)
		f.manager.cfg.RefreshTimeout = 100 * time.Millisecond
		conn := f.seedConnection(t, f.clock.Instant.Add(time.Minute), false)

		_, err := f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		require.Error(t, err)

		var refreshErr *RefreshError
		require.ErrorAs(t, err, &refreshErr)
		assert.True(t, refreshErr.Timeout)
		assert.Len(t, f.store.reauths, 1)
	})

	t.Run("needs_reauth short-circuits without a network call", func(t *testing.T) {
		f := newManagerFixture(t, "http://unreachable.invalid")
		conn := f.seedConnection(t, f.clock.Instant.Add(time.Minute), true)

		_, err := f.manager.GetLiveToken(ctx, conn.DeveloperID.String(), "farmer-1", "john_deere")
		assert.ErrorIs(t, err, ErrReauthRequired)
	})
}

func TestManager_StoreConnection(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "http://unused")

	developerID := uuid.New()
	cacheKey := tokenCacheKey(developerID.String(), "farmer-9", "john_deere")
	require.NoError(t, f.cache.Set(ctx, cacheKey, cachedToken{AccessToken: "stale"}, time.Minute))

	err := f.manager.StoreConnection(ctx, StoreParams{
		DeveloperID:    developerID.String(),
		FarmerID:       "farmer-9",
		Provider:       "john_deere",
		AccessToken:    "new-access",
		RefreshToken:   "new-refresh",
		ExpiresIn:      3600,
		Scopes:         []string{"ag1", "ag2"},
		ProviderUserID: "jd-user-7",
	})
	require.NoError(t, err)

	require.Len(t, f.store.upserts, 1)
	stored := f.store.upserts[0]
	assert.Equal(t, developerID, stored.DeveloperID)
	assert.Equal(t, "farmer-9", stored.FarmerIdentifier)
	assert.Equal(t, f.clock.Instant.Add(time.Hour), stored.TokenExpiresAt)
	assert.Equal(t, "jd-user-7", stored.ProviderUserID.String)

	access, err := f.crypto.Decrypt(stored.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "new-access", access)

	// Any stale cached token is gone.
	assert.NotContains(t, f.cache.entries, cacheKey)

	t.Run("rejects a bad developer id", func(t *testing.T) {
		err := f.manager.StoreConnection(ctx, StoreParams{DeveloperID: "not-a-uuid"})
		assert.Error(t, err)
	})
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes expiring connections", func(t *testing.T) {
		server := tokenEndpoint(t, refreshResponse("swept-access", "swept-refresh", 3600))
		f := newManagerFixture(t, server.URL)

		first := f.seedConnection(t, f.clock.Instant.Add(time.Minute), false)
		second := f.seedConnection(t, f.clock.Instant.Add(10*time.Minute), false)
		f.store.expiring = []models.FarmerConnection{*first, *second}

		result, err := f.manager.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Processed)
		assert.Equal(t, 0, result.Failed)
		assert.Empty(t, result.Errors)
		assert.Len(t, f.store.updates, 2)
	})

	t.Run("one failure does not abort the pass", func(t *testing.T) {
		var calls int
		server := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			refreshResponse("swept-access", "swept-refresh", 3600)(w, r)
		})
		f := newManagerFixture(t, server.URL)

		first := f.seedConnection(t, f.clock.Instant.Add(time.Minute), false)
		second := f.seedConnection(t, f.clock.Instant.Add(2*time.Minute), false)
		f.store.expiring = []models.FarmerConnection{*first, *second}

		result, err := f.manager.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Processed)
		assert.Equal(t, 1, result.Failed)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], first.ID.String())

		assert.Len(t, f.store.reauths, 1)
		assert.Len(t, f.store.updates, 1)
	})

	t.Run("empty list is a no-op", func(t *testing.T) {
		f := newManagerFixture(t, "http://unused")

		result, err := f.manager.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.Processed)
	})
}
