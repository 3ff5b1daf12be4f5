package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"drrcrawler/internal/config"
	"drrcrawler/pkg/types"
)

// SQLSink upserts page records into a Postgres table keyed by url.
type SQLSink struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLSink opens the database described by cfg and applies the schema when asked.
func NewSQLSink(ctx context.Context, cfg config.SQLConfig) (*SQLSink, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	return NewSQLSinkFromDB(ctx, db, cfg.AutoMigrate)
}

// NewSQLSinkFromDB wraps an existing handle.
func NewSQLSinkFromDB(ctx context.Context, db *sql.DB, autoMigrate bool) (*SQLSink, error) {
	s := &SQLSink{db: db, autoMigrate: autoMigrate}
	if autoMigrate {
		if err := s.ensureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

const upsertRecordQuery = `
        INSERT INTO page_records (url, domain_url, links, page_links, text, date_of_access, keywords_matched, org)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (url) DO UPDATE SET
            domain_url = EXCLUDED.domain_url,
            links = EXCLUDED.links,
            page_links = EXCLUDED.page_links,
            text = EXCLUDED.text,
            date_of_access = EXCLUDED.date_of_access,
            keywords_matched = EXCLUDED.keywords_matched,
            org = EXCLUDED.org`

// Append writes the batch in one transaction.
func (s *SQLSink) Append(ctx context.Context, records []types.PageRecord) error {
	if s == nil || s.db == nil || len(records) == 0 {
		return nil
	}
	err := s.appendTx(ctx, records)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		err = s.appendTx(ctx, records)
	}
	if err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

func (s *SQLSink) appendTx(ctx context.Context, records []types.PageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, upsertRecordQuery,
			rec.URL,
			rec.DomainURL,
			pq.Array(rec.Links),
			pq.Array(rec.PageLinks),
			rec.PageText,
			rec.DateOfAccess,
			pq.Array(rec.KeywordsMatched),
			rec.Org,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying DB connection.
func (s *SQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	schemaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS page_records (
		    url TEXT PRIMARY KEY,
		    domain_url TEXT NOT NULL,
		    links TEXT[],
		    page_links TEXT[],
		    text TEXT,
		    date_of_access DATE,
		    keywords_matched TEXT[],
		    org TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_page_records_domain ON page_records (domain_url)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
