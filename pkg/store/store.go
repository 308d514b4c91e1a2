// Package store persists the plugin registry, tenant installations and plugin
// logs. Queries are portable between PostgreSQL (lib/pq) and SQLite
// (mattn/go-sqlite3).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/plugind/pkg/observability"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// SQLStore implements the datastore boundary on database/sql
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and verifies the connection
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		// every connection to an in-memory database is a new database
		db.SetMaxOpenConns(1)
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}

// NewSQLStore wraps db. driver selects the schema dialect.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	return &SQLStore{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying connection pool
func (s *SQLStore) DB() *sql.DB { return s.db }

// Migrate creates the plugin tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.driver == DriverSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate plugin tables: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS available_plugins (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		latest_version VARCHAR(64) NOT NULL DEFAULT '',
		min_core_version VARCHAR(64),
		max_core_version VARCHAR(64),
		dependencies JSONB,
		is_approved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_plugins (
		tenant_id VARCHAR(255) NOT NULL,
		plugin_id VARCHAR(255) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		config JSONB,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (tenant_id, plugin_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_plugins_plugin ON tenant_plugins(plugin_id)`,
	`CREATE TABLE IF NOT EXISTS plugin_logs (
		id BIGSERIAL PRIMARY KEY,
		plugin_id VARCHAR(255) NOT NULL,
		tenant_id VARCHAR(255),
		level VARCHAR(5) NOT NULL CHECK (level IN ('debug', 'info', 'warn', 'error')),
		message TEXT NOT NULL,
		meta JSONB,
		duration_ms BIGINT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plugin_logs_plugin ON plugin_logs(plugin_id, created_at DESC)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS available_plugins (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		latest_version TEXT NOT NULL DEFAULT '',
		min_core_version TEXT,
		max_core_version TEXT,
		dependencies TEXT,
		is_approved BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_plugins (
		tenant_id TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 0,
		config TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, plugin_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_plugins_plugin ON tenant_plugins(plugin_id)`,
	`CREATE TABLE IF NOT EXISTS plugin_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin_id TEXT NOT NULL,
		tenant_id TEXT,
		level TEXT NOT NULL CHECK (level IN ('debug', 'info', 'warn', 'error')),
		message TEXT NOT NULL,
		meta TEXT,
		duration_ms INTEGER,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plugin_logs_plugin ON plugin_logs(plugin_id, created_at DESC)`,
}

// translate maps driver errors for missing tables onto ErrNotMigrated
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
		return fmt.Errorf("%w: %v", ErrNotMigrated, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && strings.Contains(liteErr.Error(), "no such table") {
		return fmt.Errorf("%w: %v", ErrNotMigrated, err)
	}
	return err
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UpsertPlugin inserts the descriptor or merges name and version into the
// existing row. Approval and manifest columns are left untouched.
func (s *SQLStore) UpsertPlugin(ctx context.Context, id, name, version string) error {
	now := s.now()
	query := `
		INSERT INTO available_plugins (id, name, latest_version, is_approved, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE available_plugins.name END,
			latest_version = CASE WHEN excluded.latest_version <> '' THEN excluded.latest_version ELSE available_plugins.latest_version END,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, id, name, version, now); err != nil {
		return fmt.Errorf("failed to upsert plugin %s: %w", id, translate(err))
	}
	return nil
}

// UpdateManifest stores the manifest columns of a plugin
func (s *SQLStore) UpdateManifest(ctx context.Context, id string, m Manifest) error {
	deps, err := marshalJSON(m.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	if len(m.Dependencies) == 0 {
		deps = sql.NullString{}
	}

	query := `
		UPDATE available_plugins
		SET min_core_version = $1, max_core_version = $2, dependencies = $3, updated_at = $4
		WHERE id = $5
	`
	res, err := s.db.ExecContext(ctx, query, nullString(m.MinCoreVersion), nullString(m.MaxCoreVersion), deps, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update manifest of %s: %w", id, translate(err))
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}
	return nil
}

const pluginColumns = `id, name, latest_version, min_core_version, max_core_version, dependencies, is_approved, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlugin(row rowScanner) (*Plugin, error) {
	var (
		p                Plugin
		minCore, maxCore sql.NullString
		deps             sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.LatestVersion, &minCore, &maxCore, &deps, &p.IsApproved, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.MinCoreVersion = minCore.String
	p.MaxCoreVersion = maxCore.String
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &p.Dependencies); err != nil {
			return nil, fmt.Errorf("invalid dependencies of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// GetPlugin returns one registry row
func (s *SQLStore) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pluginColumns+` FROM available_plugins WHERE id = $1`, id)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin %s: %w", id, translate(err))
	}
	return p, nil
}

// ListPlugins returns every registry row ordered by id
func (s *SQLStore) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pluginColumns+` FROM available_plugins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", translate(err))
	}
	defer rows.Close()

	var out []*Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsApproved reports the registry-wide approval of a plugin. A plugin without
// a registry row is not approved.
func (s *SQLStore) IsApproved(ctx context.Context, id string) (bool, error) {
	var approved bool
	err := s.db.QueryRowContext(ctx, `SELECT is_approved FROM available_plugins WHERE id = $1`, id).Scan(&approved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read approval of %s: %w", id, translate(err))
	}
	return approved, nil
}

// Approve marks a plugin approved, creating its registry row if needed
func (s *SQLStore) Approve(ctx context.Context, id string) error {
	now := s.now()
	query := `
		INSERT INTO available_plugins (id, name, latest_version, is_approved, created_at, updated_at)
		VALUES ($1, '', '', TRUE, $2, $2)
		ON CONFLICT (id) DO UPDATE SET is_approved = TRUE, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, id, now); err != nil {
		return fmt.Errorf("failed to approve plugin %s: %w", id, translate(err))
	}
	return nil
}

// RevokeApproval withdraws approval and deactivates every installation of the
// plugin in one transaction. It returns the number of deactivated installations.
func (s *SQLStore) RevokeApproval(ctx context.Context, id string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE available_plugins SET is_approved = FALSE, updated_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke approval of %s: %w", id, translate(err))
	}
	if err := requireRow(res, id); err != nil {
		return 0, err
	}

	res, err = tx.ExecContext(ctx, `UPDATE tenant_plugins SET is_active = FALSE, updated_at = $1 WHERE plugin_id = $2 AND is_active = TRUE`, now, id)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate installations of %s: %w", id, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit revocation of %s: %w", id, err)
	}
	return n, nil
}

// DeactivateTenantPlugins turns off every installation of a plugin
func (s *SQLStore) DeactivateTenantPlugins(ctx context.Context, pluginID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_plugins SET is_active = FALSE, updated_at = $1 WHERE plugin_id = $2 AND is_active = TRUE`,
		s.now(), pluginID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate installations of %s: %w", pluginID, translate(err))
	}
	return res.RowsAffected()
}

// UpsertInstallation creates or replaces a tenant installation
func (s *SQLStore) UpsertInstallation(ctx context.Context, inst Installation) error {
	cfg, err := marshalJSON(inst.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal installation config: %w", err)
	}
	if inst.Config == nil {
		cfg = sql.NullString{}
	}

	query := `
		INSERT INTO tenant_plugins (tenant_id, plugin_id, is_active, config, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, plugin_id) DO UPDATE SET
			is_active = excluded.is_active,
			config = excluded.config,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, inst.TenantID, inst.PluginID, inst.IsActive, cfg, s.now()); err != nil {
		return fmt.Errorf("failed to upsert installation %s/%s: %w", inst.TenantID, inst.PluginID, translate(err))
	}
	return nil
}

const installationColumns = `tenant_id, plugin_id, is_active, config, updated_at`

func scanInstallation(row rowScanner) (*Installation, error) {
	var (
		inst Installation
		cfg  sql.NullString
	)
	if err := row.Scan(&inst.TenantID, &inst.PluginID, &inst.IsActive, &cfg, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &inst.Config); err != nil {
			return nil, fmt.Errorf("invalid config of %s/%s: %w", inst.TenantID, inst.PluginID, err)
		}
	}
	return &inst, nil
}

// GetInstallation returns one tenant installation
func (s *SQLStore) GetInstallation(ctx context.Context, tenantID, pluginID string) (*Installation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+installationColumns+` FROM tenant_plugins WHERE tenant_id = $1 AND plugin_id = $2`,
		tenantID, pluginID)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installation %s/%s: %w", tenantID, pluginID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", translate(err))
	}
	return inst, nil
}

func (s *SQLStore) queryInstallations(ctx context.Context, where string, args ...interface{}) ([]*Installation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installationColumns+` FROM tenant_plugins WHERE `+where+` ORDER BY tenant_id, plugin_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", translate(err))
	}
	defer rows.Close()

	var out []*Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListActiveInstallations returns every installation with is_active set
func (s *SQLStore) ListActiveInstallations(ctx context.Context) ([]*Installation, error) {
	return s.queryInstallations(ctx, `is_active = TRUE`)
}

// ListInstallations returns every installation of a plugin
func (s *SQLStore) ListInstallations(ctx context.Context, pluginID string) ([]*Installation, error) {
	return s.queryInstallations(ctx, `plugin_id = $1`, pluginID)
}

// InsertLog appends a plugin log row
func (s *SQLStore) InsertLog(ctx context.Context, entry *LogEntry) error {
	meta, err := marshalJSON(entry.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal log meta: %w", err)
	}
	if len(entry.Meta) == 0 {
		meta = sql.NullString{}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	level := ParseLevel(string(entry.Level))

	var duration sql.NullInt64
	if entry.DurationMS != nil {
		duration = sql.NullInt64{Int64: *entry.DurationMS, Valid: true}
	}

	query := `
		INSERT INTO plugin_logs (plugin_id, tenant_id, level, message, meta, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, query,
		entry.PluginID, nullString(entry.TenantID), string(level), entry.Message, meta, duration, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert plugin log: %w", translate(err))
	}
	return nil
}

// ListLogs returns plugin log rows, newest first
func (s *SQLStore) ListLogs(ctx context.Context, filter LogFilter) ([]*LogEntry, error) {
	query := `SELECT id, plugin_id, tenant_id, level, message, meta, duration_ms, created_at FROM plugin_logs WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.PluginID != "" {
		query += fmt.Sprintf(" AND plugin_id = $%d", argCount)
		args = append(args, filter.PluginID)
		argCount++
	}
	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, filter.TenantID)
		argCount++
	}
	if filter.Level != "" {
		query += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, string(filter.Level))
		argCount++
	}
	if filter.Message != "" {
		query += fmt.Sprintf(" AND message = $%d", argCount)
		args = append(args, filter.Message)
		argCount++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, filter.Since.UTC())
		argCount++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argCount)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin logs: %w", translate(err))
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var (
			e        LogEntry
			tenant   sql.NullString
			level    string
			meta     sql.NullString
			duration sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.PluginID, &tenant, &level, &e.Message, &meta, &duration, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plugin log: %w", err)
		}
		e.TenantID = tenant.String
		e.Level = Level(level)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("invalid meta of log %d: %w", e.ID, err)
			}
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMS = &d
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InvocationStats aggregates the timed invocation logs of a plugin since a
// point in time
func (s *SQLStore) InvocationStats(ctx context.Context, pluginID string, since time.Time) (*InvocationStats, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN message <> $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN message = $2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN message = $1 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN message <> $1 THEN duration_ms END), 0),
			COALESCE(MAX(duration_ms), 0)
		FROM plugin_logs
		WHERE plugin_id = $3 AND duration_ms IS NOT NULL AND created_at >= $4
	`
	stats := &InvocationStats{PluginID: pluginID}
	err := s.db.QueryRowContext(ctx, query,
		observability.MsgSlowInvocation, observability.MsgInvocationFailed, pluginID, since.UTC(),
	).Scan(&stats.Invocations, &stats.Failures, &stats.SlowInvocations, &stats.AvgDurationMS, &stats.MaxDurationMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate invocations of %s: %w", pluginID, translate(err))
	}
	return stats, nil
}
