package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/db/migrations"
)

// PostgresTelemetryStore writes telemetry rows into the llm_telemetry table.
// Schema is managed through the embedded migration files on Connect.
type PostgresTelemetryStore struct {
	dsn string
	db  *sql.DB
}

func NewPostgresTelemetryStore(dsn string) *PostgresTelemetryStore {
	return &PostgresTelemetryStore{dsn: dsn}
}

func (p *PostgresTelemetryStore) Connect(ctx context.Context) error {
	if !hasSQLDriver("pgx") {
		return errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", p.dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	p.db = db
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		p.db = nil
		return err
	}
	return nil
}

func (p *PostgresTelemetryStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PostgresTelemetryStore) Insert(ctx context.Context, rec TelemetryRecord) error {
	if p.db == nil {
		return errors.New("postgres telemetry store: not connected")
	}
	n := rec.Normalized()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO llm_telemetry (
			req_id, user_id, req_payload, req_type, deployment_name,
			request_received_at, request_queued_at, request_dequeued_at,
			response_queued_at, response_dequeued_at,
			prompt_tokens, completion_tokens, embedding_tokens, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		n.ReqID, n.UserID, n.ReqPayload, n.ReqType, n.DeploymentName,
		n.RequestReceivedAt, n.RequestQueuedAt, n.RequestDequeuedAt,
		n.ResponseQueuedAt, n.ResponseDequeuedAt,
		n.PromptTokens, n.CompletionTokens, n.EmbeddingTokens, n.ErrorMessage,
	)
	return err
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresTelemetryStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresTelemetryStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresTelemetryStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
