package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/model"
	"newsbrief/pkg/metrics"
)

// expirySkew treats tokens expiring within the next minute as already expired,
// so a token never dies mid-fetch.
const expirySkew = time.Minute

// Store is the credential persistence consumed by the manager. The credential
// repository implements it.
type Store interface {
	Get(ctx context.Context, userID string) (*model.Credential, error)
	// UpdateTokens must apply the patch only if it strictly advances the
	// stored expiry, and report whether the write landed.
	UpdateTokens(ctx context.Context, userID string, patch model.TokenPatch) (bool, error)
	// MarkNeedsReauth reports true on the transition from valid.
	MarkNeedsReauth(ctx context.Context, userID string) (bool, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*model.Credential, error)
}

// Provider exchanges refresh tokens with the identity provider.
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// Notifier surfaces a revoked grant out of band, exactly once per transition.
type Notifier interface {
	NotifyReauthRequired(ctx context.Context, cred *model.Credential)
}

// Manager keeps one OAuth grant per user perpetually valid for a scheduler
// with no human present. Both refresh paths (inline during a fetch, periodic
// sweep) write through the same compare-and-swap store call.
type Manager struct {
	store    Store
	provider Provider
	notifier Notifier // may be nil
	logger   *zap.Logger
}

func NewManager(store Store, provider Provider, notifier Notifier, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		provider: provider,
		notifier: notifier,
		logger:   logger,
	}
}

// GetValid returns a non-expired credential for the user, refreshing it first
// when needed. The refreshed triple is persisted before returning, so an
// immediately following caller reads the new token instead of re-refreshing.
// Fails with model.ErrCredentialMissing or model.ErrReauthRequired.
func (m *Manager) GetValid(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if cred.Status == model.CredentialStatusNeedsReauth {
		return nil, model.ErrReauthRequired
	}

	if !cred.Expired(time.Now().Add(expirySkew)) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		m.markRevoked(ctx, cred)
		return nil, model.ErrReauthRequired
	}

	return m.refresh(ctx, cred, "inline")
}

// PersistRefreshed stores a credential the collector refreshed mid-fetch.
// Writes through the same CAS as the sweep, so the two paths cannot disagree.
func (m *Manager) PersistRefreshed(ctx context.Context, userID string, patch model.TokenPatch) error {
	applied, err := m.store.UpdateTokens(ctx, userID, patch)
	if err != nil {
		return err
	}
	if !applied {
		m.logger.Debug("Stale collector token write dropped", zap.String("user_id", userID))
		return nil
	}
	metrics.IncrementTokenRefresh("refreshed", "inline")
	return nil
}

// SweepExpiring proactively refreshes every credential expiring within the
// window, independent of any pending fetch. Per-credential failures are
// recorded and never abort the sweep.
func (m *Manager) SweepExpiring(ctx context.Context, window time.Duration) error {
	cutoff := time.Now().Add(window)
	creds, err := m.store.ListExpiring(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expiring credentials: %w", err)
	}

	m.logger.Info("Credential sweep started",
		zap.Int("expiring", len(creds)),
		zap.Duration("window", window),
	)

	refreshed := 0
	for _, cred := range creds {
		if _, err := m.refresh(ctx, cred, "sweep"); err != nil {
			m.logger.Error("Sweep refresh failed",
				zap.String("user_id", cred.UserID),
				zap.Error(err),
			)
			continue
		}
		refreshed++
	}

	m.logger.Info("Credential sweep completed",
		zap.Int("expiring", len(creds)),
		zap.Int("refreshed", refreshed),
	)
	return nil
}

func (m *Manager) refresh(ctx context.Context, cred *model.Credential, path string) (*model.Credential, error) {
	result, err := m.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			metrics.IncrementTokenRefresh("reauth_required", path)
			m.markRevoked(ctx, cred)
			return nil, model.ErrReauthRequired
		}
		metrics.IncrementTokenRefresh("error", path)
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	patch := model.TokenPatch{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.ExpiresAt,
	}
	applied, err := m.store.UpdateTokens(ctx, cred.UserID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	if !applied {
		// a concurrent refresh won the CAS; its token is at least as fresh
		m.logger.Debug("Concurrent refresh won, using stored credential",
			zap.String("user_id", cred.UserID),
		)
		return m.store.Get(ctx, cred.UserID)
	}

	metrics.IncrementTokenRefresh("refreshed", path)
	m.logger.Info("Credential refreshed",
		zap.String("user_id", cred.UserID),
		zap.String("path", path),
		zap.Time("expires_at", result.ExpiresAt),
	)

	out := *cred
	out.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		out.RefreshToken = result.RefreshToken
	}
	out.ExpiresAt = result.ExpiresAt
	out.Status = model.CredentialStatusValid
	return &out, nil
}

func (m *Manager) markRevoked(ctx context.Context, cred *model.Credential) {
	changed, err := m.store.MarkNeedsReauth(ctx, cred.UserID)
	if err != nil {
		m.logger.Error("Failed to mark credential needs_reauth",
			zap.String("user_id", cred.UserID),
			zap.Error(err),
		)
		return
	}
	if changed && m.notifier != nil {
		m.notifier.NotifyReauthRequired(ctx, cred)
	}
}
