package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"newsbrief/internal/model"
)

// DigestRepository persists Stage 3's raw layer: the per-day RawDigest and its
// immutable SourceEmail children.
type DigestRepository struct {
	db *pgxpool.Pool
}

func NewDigestRepository(db *pgxpool.Pool) *DigestRepository {
	return &DigestRepository{db: db}
}

// CreateRawDigest overwrites the (user, day) digest: the previous row and its
// whole subtree (source emails, thematic digest, sections, links) are deleted,
// a fresh RawDigest inserted and its source emails written, all inside one
// transaction so concurrent readers never observe a half-replaced day. The
// returned ids are index-aligned with emails.
func (r *DigestRepository) CreateRawDigest(ctx context.Context, userID string, day time.Time, topicsIdentified int, emails []model.SourceEmail) (*model.RawDigest, []int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, &model.PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	// manual cascade, children first
	cascade := []string{
		`DELETE FROM theme_source_links
         WHERE section_id IN (
             SELECT ts.id FROM thematic_sections ts
             JOIN thematic_digests td ON td.id = ts.thematic_digest_id
             WHERE td.user_id = $1 AND td.digest_date = $2
         )`,
		`DELETE FROM thematic_sections
         WHERE thematic_digest_id IN (
             SELECT id FROM thematic_digests WHERE user_id = $1 AND digest_date = $2
         )`,
		`DELETE FROM thematic_digests WHERE user_id = $1 AND digest_date = $2`,
		`DELETE FROM source_emails
         WHERE raw_digest_id IN (
             SELECT id FROM raw_digests WHERE user_id = $1 AND digest_date = $2
         )`,
		`DELETE FROM raw_digests WHERE user_id = $1 AND digest_date = $2`,
	}
	for _, stmt := range cascade {
		if _, err := tx.Exec(ctx, stmt, userID, day); err != nil {
			return nil, nil, &model.PersistenceError{Op: "overwrite day", Err: err}
		}
	}

	d := &model.RawDigest{
		UserID:           userID,
		Day:              day,
		EmailsProcessed:  len(emails),
		TopicsIdentified: topicsIdentified,
	}
	err = tx.QueryRow(ctx, `
        INSERT INTO raw_digests (user_id, digest_date, emails_processed, topics_identified)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at
    `, userID, day, len(emails), topicsIdentified).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return nil, nil, &model.PersistenceError{Op: "insert raw digest", Err: err}
	}

	ids := make([]int64, len(emails))
	for i, rec := range emails {
		err := tx.QueryRow(ctx, `
            INSERT INTO source_emails (raw_digest_id, sender, subject, received_at, summary, topics, keywords, original_link)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            RETURNING id
        `, d.ID, rec.Sender, rec.Subject, rec.ReceivedAt, rec.Summary, rec.Topics, rec.Keywords, rec.OriginalLink).Scan(&ids[i])
		if err != nil {
			return nil, nil, &model.PersistenceError{Op: "insert source email", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, &model.PersistenceError{Op: "commit", Err: err}
	}

	return d, ids, nil
}

// ListSourceEmails returns the source emails of a raw digest.
func (r *DigestRepository) ListSourceEmails(ctx context.Context, digestID int64) ([]model.SourceEmail, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, raw_digest_id, sender, subject, received_at, summary, topics, keywords, original_link, created_at
        FROM source_emails
        WHERE raw_digest_id = $1
        ORDER BY id
    `, digestID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list source emails", Err: err}
	}
	defer rows.Close()

	var emails []model.SourceEmail
	for rows.Next() {
		var e model.SourceEmail
		err := rows.Scan(
			&e.ID,
			&e.RawDigestID,
			&e.Sender,
			&e.Subject,
			&e.ReceivedAt,
			&e.Summary,
			&e.Topics,
			&e.Keywords,
			&e.OriginalLink,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, &model.PersistenceError{Op: "scan source email", Err: err}
		}
		emails = append(emails, e)
	}

	return emails, rows.Err()
}
