package tokens

import (
	"context"
	"fmt"
	"time"

	"agri_gateway/internal/models"
)

// SweepResult summarizes one proactive refresh pass.
type SweepResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Sweep refreshes every active connection whose token expires within
// the sweep buffer. The buffer is wider than the inline refresh buffer
// so a healthy sweep schedule keeps request-path refreshes rare. Each
// connection is handled independently; one failure never aborts the
// pass.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	threshold := m.clock.Now().Add(m.cfg.SweepBuffer)

	conns, err := m.store.ListExpiring(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring connections: %w", err)
	}

	result := &SweepResult{}
	for i := range conns {
		conn := &conns[i]
		result.Processed++

		if err := m.sweepOne(ctx, conn); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", conn.ID, err))
		}
	}

	if result.Processed > 0 {
		m.logger.Info().
			Int("processed", result.Processed).
			Int("failed", result.Failed).
			Msg("token sweep complete")
	}

	return result, nil
}

func (m *Manager) sweepOne(ctx context.Context, conn *models.FarmerConnection) error {
	cacheKey := tokenCacheKey(conn.DeveloperID.String(), conn.FarmerIdentifier, conn.Provider)

	refreshToken, err := m.crypto.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token, refreshErr := m.refresh(ctx, refreshToken)
	if refreshErr != nil {
		if err := m.store.MarkNeedsReauth(ctx, conn.ID, refreshErr.Error()); err != nil {
			m.logger.Error().Err(err).Str("connection_id", conn.ID.String()).Msg("failed to persist re-auth flag")
		}
		if err := m.cache.Delete(ctx, cacheKey); err != nil {
			m.logger.Warn().Err(err).Msg("token cache invalidation failed")
		}
		return refreshErr
	}

	if err := m.persistRefreshed(ctx, conn.ID, token); err != nil {
		return err
	}

	// Drop any stale cache entry; the next request re-populates it
	// from the fresh row.
	if err := m.cache.Delete(ctx, cacheKey); err != nil {
		m.logger.Warn().Err(err).Msg("token cache invalidation failed")
	}

	return nil
}

// RunSweeper runs Sweep on a fixed interval until ctx is cancelled.
// Intended for deployments without an external scheduler.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("token sweeper started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("token sweeper stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error().Err(err).Msg("token sweep failed")
			}
		}
	}
}
