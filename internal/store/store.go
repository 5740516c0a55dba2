// Package store persists prototype tables in SQLite so a support set can be
// encoded once and reused for many later inferences.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"csi-fewshot/internal/model"
	"csi-fewshot/internal/protonet"
)

// ErrNotFound is returned when a named table does not exist.
var ErrNotFound = errors.New("store: prototype table not found")

var schema = []string{`CREATE TABLE IF NOT EXISTS prototypes (
    table_name  TEXT    NOT NULL,
    class_index INTEGER NOT NULL,
    label       INTEGER NOT NULL,
    dim         INTEGER NOT NULL,
    embedding   BLOB    NOT NULL,
    PRIMARY KEY(table_name, class_index)
);`,
	`CREATE TABLE IF NOT EXISTS encoder_params (
    table_name TEXT    NOT NULL,
    param_name TEXT    NOT NULL,
    n_rows     INTEGER NOT NULL,
    n_cols     INTEGER NOT NULL,
    data       BLOB    NOT NULL,
    PRIMARY KEY(table_name, param_name)
);`,
}

// Store is a SQLite-backed prototype table registry.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and ensures the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is nil")
	}
	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			return nil, fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Save replaces the table called name with protos.
func (s *Store) Save(ctx context.Context, name string, protos *protonet.Prototypes) error {
	if name == "" {
		return errors.New("store: table name is empty")
	}
	if protos == nil || protos.Matrix == nil {
		return errors.New("store: nil prototype table")
	}
	if len(protos.Labels) != protos.NWay() {
		return fmt.Errorf("store: %d labels for %d prototypes", len(protos.Labels), protos.NWay())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM prototypes WHERE table_name = ?`, name); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO prototypes(table_name, class_index, label, dim, embedding) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	dim := protos.Dim()
	for i, label := range protos.Labels {
		blob := EncodeVector(protos.Matrix.RawRowView(i))
		if _, err := stmt.ExecContext(ctx, name, i, label, dim, blob); err != nil {
			return fmt.Errorf("store: insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Load reads the table called name.
func (s *Store) Load(ctx context.Context, name string) (*protonet.Prototypes, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label, dim, embedding FROM prototypes WHERE table_name = ? ORDER BY class_index`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		labels []int
		data   []float64
		width  = -1
	)
	for rows.Next() {
		var label, dim int
		var blob []byte
		if err := rows.Scan(&label, &dim, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, err
		}
		if len(vec) != dim || (width >= 0 && dim != width) {
			return nil, fmt.Errorf("store: table %s row %d has width %d, want %d", name, len(labels), len(vec), dim)
		}
		width = dim
		labels = append(labels, label)
		data = append(data, vec...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &protonet.Prototypes{Matrix: mat.NewDense(len(labels), width, data), Labels: labels}, nil
}

// List returns stored table names in ascending order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT table_name FROM prototypes ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Delete removes the table called name and any encoder saved with it.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM prototypes WHERE table_name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM encoder_params WHERE table_name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveEncoder stores the encoder parameters that produced table name, so
// queries can later be embedded into the same space.
func (s *Store) SaveEncoder(ctx context.Context, name string, params []*model.Param) error {
	if name == "" {
		return errors.New("store: table name is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM encoder_params WHERE table_name = ?`, name); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO encoder_params(table_name, param_name, n_rows, n_cols, data) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range params {
		r, c := p.Value.Dims()
		raw := mat.DenseCopyOf(p.Value).RawMatrix().Data
		if _, err := stmt.ExecContext(ctx, name, p.Name, r, c, EncodeVector(raw)); err != nil {
			return fmt.Errorf("store: insert %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

// LoadEncoder copies stored values into params, matching by name and shape.
func (s *Store) LoadEncoder(ctx context.Context, name string, params []*model.Param) error {
	rows, err := s.db.QueryContext(ctx, `SELECT param_name, n_rows, n_cols, data FROM encoder_params WHERE table_name = ?`, name)
	if err != nil {
		return err
	}
	defer rows.Close()

	stored := make(map[string]*mat.Dense)
	for rows.Next() {
		var pname string
		var r, c int
		var blob []byte
		if err := rows.Scan(&pname, &r, &c, &blob); err != nil {
			return err
		}
		data, err := DecodeVector(blob)
		if err != nil {
			return err
		}
		if len(data) != r*c {
			return fmt.Errorf("store: %s holds %d values for %dx%d", pname, len(data), r, c)
		}
		stored[pname] = mat.NewDense(r, c, data)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(stored) == 0 {
		return fmt.Errorf("%w: encoder for %s", ErrNotFound, name)
	}
	for _, p := range params {
		v, ok := stored[p.Name]
		if !ok {
			return fmt.Errorf("store: encoder %s has no parameter %s", name, p.Name)
		}
		pr, pc := p.Value.Dims()
		vr, vc := v.Dims()
		if pr != vr || pc != vc {
			return fmt.Errorf("store: parameter %s is %dx%d, stored %dx%d", p.Name, pr, pc, vr, vc)
		}
		p.Value.Copy(v)
	}
	return nil
}

// EncodeVector stores float64 values little-endian so a round trip is exact.
func EncodeVector(vec []float64) []byte {
	b := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

// DecodeVector reverses EncodeVector.
func DecodeVector(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("store: invalid vector blob length %d (not multiple of 8)", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, nil
}
