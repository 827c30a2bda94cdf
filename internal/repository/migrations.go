package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations bootstraps the schema. Statements are idempotent so the worker
// can run them on every start.
func RunMigrations(ctx context.Context, db *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id       TEXT PRIMARY KEY,
			email         TEXT NOT NULL,
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at    TIMESTAMPTZ NOT NULL,
			scope         TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'valid',
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_sources (
			id      BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			address TEXT NOT NULL,
			active  BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (user_id, address)
		)`,
		`CREATE TABLE IF NOT EXISTS raw_digests (
			id                BIGSERIAL PRIMARY KEY,
			user_id           TEXT NOT NULL,
			digest_date       DATE NOT NULL,
			emails_processed  INT NOT NULL DEFAULT 0,
			topics_identified INT NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, digest_date)
		)`,
		`CREATE TABLE IF NOT EXISTS source_emails (
			id            BIGSERIAL PRIMARY KEY,
			raw_digest_id BIGINT NOT NULL REFERENCES raw_digests(id) ON DELETE CASCADE,
			sender        TEXT NOT NULL,
			subject       TEXT NOT NULL,
			received_at   TIMESTAMPTZ NOT NULL,
			summary       TEXT NOT NULL DEFAULT '',
			topics        TEXT[] NOT NULL DEFAULT '{}',
			keywords      TEXT[] NOT NULL DEFAULT '{}',
			original_link TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS thematic_digests (
			id                  BIGSERIAL PRIMARY KEY,
			user_id             TEXT NOT NULL,
			digest_date         DATE NOT NULL,
			raw_digest_id       BIGINT NOT NULL REFERENCES raw_digests(id) ON DELETE CASCADE,
			sections_count      INT NOT NULL DEFAULT 0,
			total_source_emails INT NOT NULL DEFAULT 0,
			processing_method   TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, digest_date)
		)`,
		`CREATE TABLE IF NOT EXISTS thematic_sections (
			id                 BIGSERIAL PRIMARY KEY,
			thematic_digest_id BIGINT NOT NULL REFERENCES thematic_digests(id) ON DELETE CASCADE,
			theme              TEXT NOT NULL,
			summary            TEXT NOT NULL DEFAULT '',
			confidence         INT NOT NULL DEFAULT 0,
			keywords           TEXT[] NOT NULL DEFAULT '{}',
			order_index        INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS theme_source_links (
			section_id      BIGINT NOT NULL REFERENCES thematic_sections(id) ON DELETE CASCADE,
			source_email_id BIGINT NOT NULL REFERENCES source_emails(id) ON DELETE CASCADE,
			relevance_score INT NOT NULL DEFAULT 0,
			PRIMARY KEY (section_id, source_email_id)
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id             BIGSERIAL PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			aggregate_id   BIGINT,
			routing_key    TEXT NOT NULL,
			payload        JSONB NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			retry_count    INT NOT NULL DEFAULT 0,
			next_retry_at  TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitored_sources_user ON monitored_sources (user_id) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_expiry ON credentials (expires_at) WHERE status = 'valid'`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at) WHERE status = 'pending'`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
