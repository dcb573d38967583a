// Package store persists the indexed component model. Each connection
// gets its own embedded SQLite database file so indexes for different
// environments never interfere.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ddk-dev/ddk/internal/domain"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is one connection's database handle. Writes are serialized by
// the owning Manager; reads may run concurrently.
type Store struct {
	db   *sqlx.DB
	path string
}

// Open creates or opens the database for one connection under dataDir
// and applies pending migrations.
func Open(dataDir, connectionID string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, fmt.Sprintf("analyzer_%s.db", sanitizeID(connectionID)))

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer plus WAL readers; more connections just contend.
	db.SetMaxOpenConns(4)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(s.db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// DB exposes the handle for read-side query building.
func (s *Store) DB() *sqlx.DB { return s.db }

// Clear drops every indexed row but keeps the operation history.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"layer_attributes", "layers", "artifacts", "components", "solutions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ReplaceSolutions clears and rewrites the solution set in one
// transaction.
func (s *Store) ReplaceSolutions(ctx context.Context, solutions []domain.Solution) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM solutions"); err != nil {
		return err
	}
	const q = `INSERT INTO solutions
		(solution_id, unique_name, friendly_name, publisher, is_managed, version, is_source, is_target)
		VALUES (:solution_id, :unique_name, :friendly_name, :publisher, :is_managed, :version, :is_source, :is_target)`
	for _, sol := range solutions {
		if _, err := tx.NamedExecContext(ctx, q, sol); err != nil {
			return fmt.Errorf("insert solution %s: %w", sol.UniqueName, err)
		}
	}
	return tx.Commit()
}

// UpsertComponents writes components, replacing rows that already
// exist for the same id.
func (s *Store) UpsertComponents(ctx context.Context, components []domain.Component) error {
	if len(components) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `INSERT INTO components
		(component_id, component_type, type_code, object_id, logical_name, display_name, table_logical_name)
		VALUES (:component_id, :component_type, :type_code, :object_id, :logical_name, :display_name, :table_logical_name)
		ON CONFLICT (component_id) DO UPDATE SET
			component_type = excluded.component_type,
			type_code = excluded.type_code,
			object_id = excluded.object_id,
			logical_name = excluded.logical_name,
			display_name = excluded.display_name,
			table_logical_name = excluded.table_logical_name`
	for _, c := range components {
		if _, err := tx.NamedExecContext(ctx, q, c); err != nil {
			return fmt.Errorf("upsert component %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ReplaceLayers rewrites a component's layer stack. Ordinals must be
// dense starting at 0; the unique constraint enforces no duplicates
// and the check here enforces density.
func (s *Store) ReplaceLayers(ctx context.Context, componentID string, layers []domain.Layer) error {
	for i, l := range layers {
		if l.Ordinal != i {
			return fmt.Errorf("layer stack for %s not dense: ordinal %d at position %d", componentID, l.Ordinal, i)
		}
		if l.ComponentID != componentID {
			return fmt.Errorf("layer %s belongs to %s, not %s", l.ID, l.ComponentID, componentID)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM layers WHERE component_id = ?", componentID); err != nil {
		return err
	}
	const q = `INSERT INTO layers
		(layer_id, component_id, ordinal, solution_id, solution_name, publisher, is_managed, version, created_on, component_json)
		VALUES (:layer_id, :component_id, :ordinal, :solution_id, :solution_name, :publisher, :is_managed, :version, :created_on, :component_json)`
	for _, l := range layers {
		if _, err := tx.NamedExecContext(ctx, q, l); err != nil {
			return fmt.Errorf("insert layer %s: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

// ReplaceAttributes rewrites a layer's attribute rows.
func (s *Store) ReplaceAttributes(ctx context.Context, layerID string, attrs []domain.LayerAttribute) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM layer_attributes WHERE layer_id = ?", layerID); err != nil {
		return err
	}
	const q = `INSERT INTO layer_attributes
		(attribute_id, layer_id, name, formatted_value, raw_value, type_tag, is_complex, is_changed)
		VALUES (:attribute_id, :layer_id, :name, :formatted_value, :raw_value, :type_tag, :is_complex, :is_changed)`
	for _, a := range attrs {
		if _, err := tx.NamedExecContext(ctx, q, a); err != nil {
			return fmt.Errorf("insert attribute %s/%s: %w", layerID, a.Name, err)
		}
	}
	return tx.Commit()
}

// PutArtifact caches a fetched payload, replacing any previous fetch
// for the same (component, solution) pair.
func (s *Store) PutArtifact(ctx context.Context, a domain.Artifact) error {
	const q = `INSERT INTO artifacts
		(artifact_id, component_id, solution_id, payload_type, payload_text, cached_on)
		VALUES (:artifact_id, :component_id, :solution_id, :payload_type, :payload_text, :cached_on)
		ON CONFLICT (component_id, solution_id) DO UPDATE SET
			payload_type = excluded.payload_type,
			payload_text = excluded.payload_text,
			cached_on = excluded.cached_on`
	_, err := s.db.NamedExecContext(ctx, q, a)
	return err
}

// GetArtifact returns a cached payload, if present.
func (s *Store) GetArtifact(ctx context.Context, componentID, solutionID string) (domain.Artifact, bool, error) {
	var a domain.Artifact
	err := s.db.GetContext(ctx, &a,
		"SELECT * FROM artifacts WHERE component_id = ? AND solution_id = ?", componentID, solutionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Artifact{}, false, nil
	}
	if err != nil {
		return domain.Artifact{}, false, err
	}
	return a, true, nil
}

// Solutions returns the stored solution set.
func (s *Store) Solutions(ctx context.Context) ([]domain.Solution, error) {
	var out []domain.Solution
	err := s.db.SelectContext(ctx, &out, "SELECT * FROM solutions ORDER BY unique_name")
	return out, err
}

// Component returns one component by id.
func (s *Store) Component(ctx context.Context, id string) (domain.Component, bool, error) {
	var c domain.Component
	err := s.db.GetContext(ctx, &c, "SELECT * FROM components WHERE component_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Component{}, false, nil
	}
	if err != nil {
		return domain.Component{}, false, err
	}
	return c, true, nil
}

// LayersForComponent returns the stack ordered base first.
func (s *Store) LayersForComponent(ctx context.Context, componentID string) ([]domain.Layer, error) {
	var out []domain.Layer
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM layers WHERE component_id = ? ORDER BY ordinal", componentID)
	return out, err
}

// AttributesForLayer returns the layer's normalized attributes.
func (s *Store) AttributesForLayer(ctx context.Context, layerID string) ([]domain.LayerAttribute, error) {
	var out []domain.LayerAttribute
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM layer_attributes WHERE layer_id = ? ORDER BY name", layerID)
	return out, err
}

// indexOperationRow is the storage shape of an IndexOperation.
type indexOperationRow struct {
	OperationID  string     `db:"operation_id"`
	Status       string     `db:"status"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	StatsJSON    string     `db:"stats_json"`
	WarningsJSON string     `db:"warnings_json"`
	Error        string     `db:"error"`
}

func (r indexOperationRow) toDomain() (domain.IndexOperation, error) {
	op := domain.IndexOperation{
		ID:          r.OperationID,
		Status:      domain.IndexStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
	}
	if err := json.Unmarshal([]byte(r.StatsJSON), &op.Stats); err != nil {
		return op, fmt.Errorf("decode operation stats: %w", err)
	}
	if err := json.Unmarshal([]byte(r.WarningsJSON), &op.Warnings); err != nil {
		return op, fmt.Errorf("decode operation warnings: %w", err)
	}
	return op, nil
}

// BeginOperation records the start of an index run. It fails when
// another run is still in progress.
func (s *Store) BeginOperation(ctx context.Context, op domain.IndexOperation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var running int
	if err := tx.GetContext(ctx, &running,
		"SELECT COUNT(*) FROM index_operations WHERE status = ?", string(domain.IndexInProgress)); err != nil {
		return err
	}
	if running > 0 {
		return fmt.Errorf("an index operation is already in progress")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO index_operations (operation_id, status, started_at) VALUES (?, ?, ?)`,
		op.ID, string(domain.IndexInProgress), op.StartedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishOperation moves a run to its terminal status. Terminal rows
// never change again.
func (s *Store) FinishOperation(ctx context.Context, op domain.IndexOperation) error {
	statsJSON, err := json.Marshal(op.Stats)
	if err != nil {
		return err
	}
	warnings := op.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE index_operations
		 SET status = ?, completed_at = ?, stats_json = ?, warnings_json = ?, error = ?
		 WHERE operation_id = ? AND status = ?`,
		string(op.Status), op.CompletedAt, string(statsJSON), string(warningsJSON), op.Error,
		op.ID, string(domain.IndexInProgress))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("operation %s is not in progress", op.ID)
	}
	return nil
}

// LatestOperation returns the most recent run, if any.
func (s *Store) LatestOperation(ctx context.Context) (domain.IndexOperation, bool, error) {
	var row indexOperationRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM index_operations ORDER BY started_at DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IndexOperation{}, false, nil
	}
	if err != nil {
		return domain.IndexOperation{}, false, err
	}
	op, err := row.toDomain()
	if err != nil {
		return domain.IndexOperation{}, false, err
	}
	return op, true, nil
}

// Metadata summarizes the current index for GetIndexMetadata.
func (s *Store) Metadata(ctx context.Context) (domain.IndexMetadata, error) {
	var meta domain.IndexMetadata

	op, ok, err := s.LatestOperation(ctx)
	if err != nil {
		return meta, err
	}
	if !ok || op.Status != domain.IndexCompleted {
		return meta, nil
	}
	meta.HasIndex = true
	stats := op.Stats
	meta.Stats = &stats

	if err := s.db.SelectContext(ctx, &meta.SourceSolutions,
		"SELECT unique_name FROM solutions WHERE is_source = 1 ORDER BY unique_name"); err != nil {
		return meta, err
	}
	if err := s.db.SelectContext(ctx, &meta.TargetSolutions,
		"SELECT unique_name FROM solutions WHERE is_target = 1 ORDER BY unique_name"); err != nil {
		return meta, err
	}
	return meta, nil
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
