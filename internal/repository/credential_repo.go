package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsbrief/internal/model"
	"newsbrief/internal/token"
)

// CredentialRepository persists OAuth grants. Tokens are sealed at rest when a
// cipher is configured.
type CredentialRepository struct {
	db     *pgxpool.Pool
	cipher *token.Cipher // nil means plaintext storage
}

func NewCredentialRepository(db *pgxpool.Pool, cipher *token.Cipher) *CredentialRepository {
	return &CredentialRepository{db: db, cipher: cipher}
}

// Get returns the credential for a user, or model.ErrCredentialMissing.
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*model.Credential, error) {
	query := `
        SELECT user_id, email, access_token, refresh_token, expires_at, scope, status, updated_at
        FROM credentials
        WHERE user_id = $1
    `
	var c model.Credential
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&c.UserID,
		&c.Email,
		&c.AccessToken,
		&c.RefreshToken,
		&c.ExpiresAt,
		&c.Scope,
		&c.Status,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrCredentialMissing
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	if err := r.openTokens(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateTokens applies a refreshed token triple with a compare-and-swap on
// expires_at: the write lands only if it strictly advances the stored expiry.
// This serializes the inline and sweep refresh paths without locks; a stale
// writer simply loses. Returns whether the write was applied.
func (r *CredentialRepository) UpdateTokens(ctx context.Context, userID string, patch model.TokenPatch) (bool, error) {
	accessToken, refreshToken := patch.AccessToken, patch.RefreshToken
	if r.cipher != nil {
		var err error
		accessToken, err = r.cipher.Seal(accessToken)
		if err != nil {
			return false, fmt.Errorf("failed to seal access token: %w", err)
		}
		refreshToken, err = r.cipher.Seal(refreshToken)
		if err != nil {
			return false, fmt.Errorf("failed to seal refresh token: %w", err)
		}
	}

	query := `
        UPDATE credentials
        SET access_token = $2,
            refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
            expires_at = $4,
            status = 'valid',
            updated_at = NOW()
        WHERE user_id = $1 AND expires_at < $4
    `
	tag, err := r.db.Exec(ctx, query, userID, accessToken, refreshToken, patch.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to update credential: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkNeedsReauth flags a revoked grant. Returns true on the transition from
// valid, so the caller can notify exactly once.
func (r *CredentialRepository) MarkNeedsReauth(ctx context.Context, userID string) (bool, error) {
	query := `
        UPDATE credentials
        SET status = 'needs_reauth', updated_at = NOW()
        WHERE user_id = $1 AND status <> 'needs_reauth'
    `
	tag, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("failed to mark credential needs_reauth: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiring returns refreshable credentials expiring before the cutoff.
func (r *CredentialRepository) ListExpiring(ctx context.Context, before time.Time) ([]*model.Credential, error) {
	query := `
        SELECT user_id, email, access_token, refresh_token, expires_at, scope, status, updated_at
        FROM credentials
        WHERE status = 'valid' AND refresh_token <> '' AND expires_at <= $1
        ORDER BY expires_at ASC
    `
	rows, err := r.db.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}
	defer rows.Close()

	var creds []*model.Credential
	for rows.Next() {
		var c model.Credential
		err := rows.Scan(
			&c.UserID,
			&c.Email,
			&c.AccessToken,
			&c.RefreshToken,
			&c.ExpiresAt,
			&c.Scope,
			&c.Status,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		if err := r.openTokens(&c); err != nil {
			return nil, err
		}
		creds = append(creds, &c)
	}

	return creds, rows.Err()
}

func (r *CredentialRepository) openTokens(c *model.Credential) error {
	if r.cipher == nil {
		return nil
	}
	var err error
	c.AccessToken, err = r.cipher.Open(c.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to open access token: %w", err)
	}
	c.RefreshToken, err = r.cipher.Open(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to open refresh token: %w", err)
	}
	return nil
}
