package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"newsbrief/internal/model"
)

// SourceRepository reads monitored newsletter sources. Activation toggling is
// owned by the user-facing configuration surface; the worker only reads.
type SourceRepository struct {
	db *pgxpool.Pool
}

func NewSourceRepository(db *pgxpool.Pool) *SourceRepository {
	return &SourceRepository{db: db}
}

// ListActiveSubjects returns every user with at least one active monitored
// source, paired with their contact address when a credential exists.
func (r *SourceRepository) ListActiveSubjects(ctx context.Context) ([]model.ActiveSubject, error) {
	query := `
        SELECT DISTINCT s.user_id, COALESCE(c.email, '')
        FROM monitored_sources s
        LEFT JOIN credentials c ON c.user_id = s.user_id
        WHERE s.active
        ORDER BY s.user_id
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subjects: %w", err)
	}
	defer rows.Close()

	var subjects []model.ActiveSubject
	for rows.Next() {
		var s model.ActiveSubject
		if err := rows.Scan(&s.UserID, &s.Email); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}

	return subjects, rows.Err()
}

// ListActiveSources returns a user's active monitored source addresses.
func (r *SourceRepository) ListActiveSources(ctx context.Context, userID string) ([]model.MonitoredSource, error) {
	query := `
        SELECT id, user_id, address, active
        FROM monitored_sources
        WHERE user_id = $1 AND active
        ORDER BY address
    `
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sources: %w", err)
	}
	defer rows.Close()

	var sources []model.MonitoredSource
	for rows.Next() {
		var s model.MonitoredSource
		if err := rows.Scan(&s.ID, &s.UserID, &s.Address, &s.Active); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, s)
	}

	return sources, rows.Err()
}
