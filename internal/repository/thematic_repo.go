package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	mqcontracts "newsbrief/contracts/mq"
	"newsbrief/internal/model"
	"newsbrief/pkg/outbox"
	"newsbrief/pkg/trace"
)

// SectionInput is one theme ready for persistence, with its resolved source
// email links. Section ids are assigned at insert time.
type SectionInput struct {
	Theme      string
	Summary    string
	Confidence int
	Keywords   []string
	Links      []model.ThemeSourceLink // SectionID is filled in by the insert
}

// ThematicRepository persists Stage 3's thematic layer: the per-day
// ThematicDigest, its ordered sections and the theme-to-email join rows.
type ThematicRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewThematicRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *ThematicRepository {
	return &ThematicRepository{db: db, outbox: outboxRepo}
}

// CreateThematicDigest writes the digest, its sections (order index = slice
// position) and their links in one transaction, together with a
// digest.completed outbox event. Same-day rows are overwritten, matching the
// raw layer's policy.
func (r *ThematicRepository) CreateThematicDigest(
	ctx context.Context,
	userID string,
	day time.Time,
	rawDigestID int64,
	totalSourceEmails int,
	method string,
	sections []SectionInput,
) (*model.ThematicDigest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, &model.PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	// consistent overwrite: replace any same-day thematic subtree
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
	}
	for _, stmt := range cascade {
		if _, err := tx.Exec(ctx, stmt, userID, day); err != nil {
			return nil, &model.PersistenceError{Op: "overwrite thematic day", Err: err}
		}
	}

	td := &model.ThematicDigest{
		UserID:            userID,
		Day:               day,
		RawDigestID:       rawDigestID,
		SectionsCount:     len(sections),
		TotalSourceEmails: totalSourceEmails,
		ProcessingMethod:  method,
	}
	err = tx.QueryRow(ctx, `
        INSERT INTO thematic_digests (user_id, digest_date, raw_digest_id, sections_count, total_source_emails, processing_method)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, created_at
    `, userID, day, rawDigestID, len(sections), totalSourceEmails, method).Scan(&td.ID, &td.CreatedAt)
	if err != nil {
		return nil, &model.PersistenceError{Op: "insert thematic digest", Err: err}
	}

	for i, s := range sections {
		var sectionID int64
		err := tx.QueryRow(ctx, `
            INSERT INTO thematic_sections (thematic_digest_id, theme, summary, confidence, keywords, order_index)
            VALUES ($1, $2, $3, $4, $5, $6)
            RETURNING id
        `, td.ID, s.Theme, s.Summary, s.Confidence, s.Keywords, i).Scan(&sectionID)
		if err != nil {
			return nil, &model.PersistenceError{Op: "insert thematic section", Err: err}
		}

		for _, link := range s.Links {
			_, err := tx.Exec(ctx, `
                INSERT INTO theme_source_links (section_id, source_email_id, relevance_score)
                VALUES ($1, $2, $3)
                ON CONFLICT DO NOTHING
            `, sectionID, link.SourceEmailID, link.RelevanceScore)
			if err != nil {
				return nil, &model.PersistenceError{Op: "insert theme source link", Err: err}
			}
		}
	}

	if r.outbox != nil {
		payload := mqcontracts.DigestCompletedPayload{
			UserID:           userID,
			Day:              day.Format("2006-01-02"),
			RawDigestID:      rawDigestID,
			ThematicDigestID: td.ID,
			EmailsProcessed:  totalSourceEmails,
			SectionsCount:    len(sections),
			ProcessingMethod: method,
			CompletedAt:      time.Now().UTC(),
		}
		if traceID := trace.FromContext(ctx); traceID != "" {
			// the dispatcher recovers trace_id from the payload
			err = outbox.InsertEventInTx(ctx, tx, r.outbox, "thematic_digest", &td.ID, "digest.completed",
				struct {
					mqcontracts.DigestCompletedPayload
					TraceID string `json:"trace_id"`
				}{payload, traceID})
		} else {
			err = outbox.InsertEventInTx(ctx, tx, r.outbox, "thematic_digest", &td.ID, "digest.completed", payload)
		}
		if err != nil {
			return nil, &model.PersistenceError{Op: "insert outbox event", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &model.PersistenceError{Op: "commit", Err: err}
	}

	return td, nil
}
