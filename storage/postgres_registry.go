package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"airbnb-pipeline/models"
)

// PostgresRegistry persists runs and artifact metadata to PostgreSQL.
// Artifact contents stay in the BlobStore; only digests are stored here.
type PostgresRegistry struct {
	db *sqlx.DB
}

// NewPostgresRegistry opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresRegistry.
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("postgres: ping: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	pr := &PostgresRegistry{db: db}
	if err := pr.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return pr, nil
}

func (pr *PostgresRegistry) migrate(ctx context.Context) error {
	_, err := pr.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT         PRIMARY KEY,
			project     TEXT         NOT NULL,
			run_group   TEXT         NOT NULL DEFAULT '',
			job_type    TEXT         NOT NULL,
			status      VARCHAR(16)  NOT NULL,
			config      JSONB        NOT NULL DEFAULT '{}',
			summary     JSONB        NOT NULL DEFAULT '{}',
			error       TEXT         NOT NULL DEFAULT '',
			started_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS artifact_versions (
			project     TEXT         NOT NULL,
			name        TEXT         NOT NULL,
			version     INTEGER      NOT NULL,
			type        TEXT         NOT NULL,
			description TEXT         NOT NULL DEFAULT '',
			digest      CHAR(64)     NOT NULL,
			size        BIGINT       NOT NULL DEFAULT 0,
			run_id      TEXT         NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project, name, version)
		);

		CREATE TABLE IF NOT EXISTS artifact_aliases (
			project TEXT    NOT NULL,
			name    TEXT    NOT NULL,
			alias   TEXT    NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (project, name, alias)
		);

		CREATE TABLE IF NOT EXISTS artifact_usage (
			project TEXT    NOT NULL,
			name    TEXT    NOT NULL,
			version INTEGER NOT NULL,
			run_id  TEXT    NOT NULL,
			PRIMARY KEY (project, name, version, run_id)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_project       ON runs(project);
		CREATE INDEX IF NOT EXISTS idx_runs_group         ON runs(run_group);
		CREATE INDEX IF NOT EXISTS idx_artifacts_digest   ON artifact_versions(digest);
	`)
	return err
}

type runRow struct {
	models.Run
	ConfigJSON  []byte `db:"config"`
	SummaryJSON []byte `db:"summary"`
}

func (pr *PostgresRegistry) CreateRun(ctx context.Context, run *models.Run) error {
	cfg, summary, err := encodeRunMaps(run)
	if err != nil {
		return err
	}
	_, err = pr.db.ExecContext(ctx, `
		INSERT INTO runs (id, project, run_group, job_type, status, config, summary, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Project, run.Group, run.JobType, string(run.Status), cfg, summary, run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

func (pr *PostgresRegistry) UpdateRun(ctx context.Context, run *models.Run) error {
	cfg, summary, err := encodeRunMaps(run)
	if err != nil {
		return err
	}
	res, err := pr.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $2, config = $3, summary = $4, error = $5, finished_at = $6
		WHERE id = $1
	`, run.ID, string(run.Status), cfg, summary, run.Error, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("postgres: update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func encodeRunMaps(run *models.Run) ([]byte, []byte, error) {
	cfg := run.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	summary := run.Summary
	if summary == nil {
		summary = map[string]float64{}
	}
	cb, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode run config: %w", err)
	}
	sb, err := json.Marshal(summary)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode run summary: %w", err)
	}
	return cb, sb, nil
}

func (pr *PostgresRegistry) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var row runRow
	err := pr.db.GetContext(ctx, &row, `
		SELECT id, project, run_group, job_type, status, config, summary, error, started_at, finished_at
		FROM runs WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	run := row.Run
	if err := json.Unmarshal(row.ConfigJSON, &run.Config); err != nil {
		return nil, fmt.Errorf("postgres: decode run config: %w", err)
	}
	if err := json.Unmarshal(row.SummaryJSON, &run.Summary); err != nil {
		return nil, fmt.Errorf("postgres: decode run summary: %w", err)
	}
	return &run, nil
}

// AddArtifactVersion assigns the next version number inside a transaction
// holding an advisory lock keyed on the artifact name.
func (pr *PostgresRegistry) AddArtifactVersion(ctx context.Context, a *models.ArtifactVersion) (*models.ArtifactVersion, bool, error) {
	tx, err := pr.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, artifactKey(a.Project, a.Name)); err != nil {
		return nil, false, fmt.Errorf("postgres: lock artifact: %w", err)
	}

	var newest models.ArtifactVersion
	err = tx.GetContext(ctx, &newest, `
		SELECT project, name, version, type, description, digest, size, run_id, created_at
		FROM artifact_versions
		WHERE project = $1 AND name = $2
		ORDER BY version DESC
		LIMIT 1
	`, a.Project, a.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		newest.Version = 0
	case err != nil:
		return nil, false, fmt.Errorf("postgres: newest version: %w", err)
	case newest.Digest == a.Digest:
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("postgres: commit: %w", err)
		}
		aliases, err := pr.aliasesOf(ctx, newest.Project, newest.Name, newest.Version)
		if err != nil {
			return nil, false, err
		}
		newest.Aliases = aliases
		return &newest, false, nil
	}

	v := *a
	v.Version = newest.Version + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO artifact_versions (project, name, version, type, description, digest, size, run_id, created_at)
		VALUES (:project, :name, :version, :type, :description, :digest, :size, :run_id, :created_at)
	`, &v)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: insert artifact version: %w", err)
	}
	if err := upsertAlias(ctx, tx, v.Project, v.Name, models.AliasLatest, v.Version); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("postgres: commit: %w", err)
	}

	aliases, err := pr.aliasesOf(ctx, v.Project, v.Name, v.Version)
	if err != nil {
		return nil, false, err
	}
	v.Aliases = aliases
	return &v, true, nil
}

func upsertAlias(ctx context.Context, ex sqlx.ExecerContext, project, name, alias string, version int) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO artifact_aliases (project, name, alias, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project, name, alias) DO UPDATE SET version = EXCLUDED.version
	`, project, name, alias, version)
	if err != nil {
		return fmt.Errorf("postgres: set alias %q: %w", alias, err)
	}
	return nil
}

func (pr *PostgresRegistry) aliasesOf(ctx context.Context, project, name string, version int) ([]string, error) {
	var aliases []string
	err := pr.db.SelectContext(ctx, &aliases, `
		SELECT alias FROM artifact_aliases
		WHERE project = $1 AND name = $2 AND version = $3
		ORDER BY alias
	`, project, name, version)
	if err != nil {
		return nil, fmt.Errorf("postgres: aliases: %w", err)
	}
	return aliases, nil
}

func (pr *PostgresRegistry) ResolveArtifact(ctx context.Context, ref models.ArtifactRef) (*models.ArtifactVersion, error) {
	version, explicit := ref.Version()
	if !explicit {
		err := pr.db.GetContext(ctx, &version, `
			SELECT version FROM artifact_aliases
			WHERE project = $1 AND name = $2 AND alias = $3
		`, ref.Project, ref.Name, ref.Alias)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: artifact %s: %w", ref, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: resolve alias: %w", err)
		}
	}

	var v models.ArtifactVersion
	err := pr.db.GetContext(ctx, &v, `
		SELECT project, name, version, type, description, digest, size, run_id, created_at
		FROM artifact_versions
		WHERE project = $1 AND name = $2 AND version = $3
	`, ref.Project, ref.Name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: artifact %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get artifact: %w", err)
	}
	if v.Aliases, err = pr.aliasesOf(ctx, v.Project, v.Name, v.Version); err != nil {
		return nil, err
	}
	return &v, nil
}

func (pr *PostgresRegistry) SetAlias(ctx context.Context, project, name string, version int, alias string) error {
	var exists bool
	err := pr.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM artifact_versions WHERE project = $1 AND name = $2 AND version = $3)
	`, project, name, version)
	if err != nil {
		return fmt.Errorf("postgres: check version: %w", err)
	}
	if !exists {
		return fmt.Errorf("postgres: artifact %s:v%d: %w", artifactKey(project, name), version, ErrNotFound)
	}
	return upsertAlias(ctx, pr.db, project, name, alias, version)
}

func (pr *PostgresRegistry) ListArtifactVersions(ctx context.Context, project, name string) ([]*models.ArtifactVersion, error) {
	var versions []*models.ArtifactVersion
	err := pr.db.SelectContext(ctx, &versions, `
		SELECT project, name, version, type, description, digest, size, run_id, created_at
		FROM artifact_versions
		WHERE project = $1 AND name = $2
		ORDER BY version
	`, project, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: list versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("postgres: artifact %s: %w", artifactKey(project, name), ErrNotFound)
	}

	type aliasRow struct {
		Alias   string `db:"alias"`
		Version int    `db:"version"`
	}
	var aliases []aliasRow
	err = pr.db.SelectContext(ctx, &aliases, `
		SELECT alias, version FROM artifact_aliases
		WHERE project = $1 AND name = $2
		ORDER BY alias
	`, project, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: list aliases: %w", err)
	}
	for _, al := range aliases {
		if al.Version >= 1 && al.Version <= len(versions) {
			v := versions[al.Version-1]
			v.Aliases = append(v.Aliases, al.Alias)
		}
	}
	return versions, nil
}

func (pr *PostgresRegistry) RecordUsage(ctx context.Context, runID string, a *models.ArtifactVersion) error {
	_, err := pr.db.ExecContext(ctx, `
		INSERT INTO artifact_usage (project, name, version, run_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, a.Project, a.Name, a.Version, runID)
	if err != nil {
		return fmt.Errorf("postgres: record usage: %w", err)
	}
	return nil
}

func (pr *PostgresRegistry) UsedBy(ctx context.Context, project, name string, version int) ([]string, error) {
	var ids []string
	err := pr.db.SelectContext(ctx, &ids, `
		SELECT run_id FROM artifact_usage
		WHERE project = $1 AND name = $2 AND version = $3
		ORDER BY run_id
	`, project, name, version)
	if err != nil {
		return nil, fmt.Errorf("postgres: used by: %w", err)
	}
	return ids, nil
}

func (pr *PostgresRegistry) Close() error {
	return pr.db.Close()
}
