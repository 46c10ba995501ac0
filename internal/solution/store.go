package solution

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    description TEXT NOT NULL,
    mode        TEXT NOT NULL,
    solver      TEXT NOT NULL,
    status      TEXT NOT NULL,
    objective   REAL,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
    run_id  TEXT NOT NULL REFERENCES runs(id),
    idx     INTEGER NOT NULL,
    time    REAL NOT NULL,
    symbol  TEXT NOT NULL,
    value   REAL NOT NULL,
    PRIMARY KEY (run_id, idx, symbol)
);

CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id, idx);
`

// RunMeta describes one stored solve.
type RunMeta struct {
	ID          string
	Description string
	Mode        string
	Solver      string
	Status      string
	Objective   float64
	Created     time.Time
}

// Store persists solution records in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and initializes) the store at path; ":memory:" works
// for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveRun persists a record under a fresh run ID and returns it.
func (s *Store) SaveRun(meta RunMeta, rec *Record) (string, error) {
	id := uuid.NewString()
	created := meta.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO runs (id, description, mode, solver, status, objective, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, meta.Description, meta.Mode, meta.Solver, meta.Status,
		meta.Objective, created.Format(time.RFC3339Nano),
	); err != nil {
		return "", err
	}

	insert, err := tx.Prepare(`
		INSERT INTO samples (run_id, idx, time, symbol, value)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer insert.Close()

	for i := 0; i < rec.Len(); i++ {
		sample, err := rec.At(i)
		if err != nil {
			return "", err
		}
		for _, name := range rec.Symbols() {
			if _, err := insert.Exec(id, sample.Index, sample.Time, name, sample.Values[name]); err != nil {
				return "", err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// ListRuns returns stored run metadata, newest first.
func (s *Store) ListRuns() ([]RunMeta, error) {
	rows, err := s.db.Query(`
		SELECT id, description, mode, solver, status, objective, created_at
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunMeta
	for rows.Next() {
		var m RunMeta
		var created string
		if err := rows.Scan(&m.ID, &m.Description, &m.Mode, &m.Solver, &m.Status, &m.Objective, &created); err != nil {
			return nil, err
		}
		m.Created, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadRun reads one run and rebuilds its record. A prefix of the run ID is
// accepted when unambiguous.
func (s *Store) LoadRun(id string) (RunMeta, *Record, error) {
	meta, err := s.findRun(id)
	if err != nil {
		return RunMeta{}, nil, err
	}

	rows, err := s.db.Query(`
		SELECT idx, time, symbol, value FROM samples
		WHERE run_id = ? ORDER BY idx, symbol`, meta.ID)
	if err != nil {
		return RunMeta{}, nil, err
	}
	defer rows.Close()

	type point struct {
		time   float64
		values map[string]float64
	}
	var indices []int
	points := map[int]*point{}
	symbolSet := map[string]struct{}{}
	var symbols []string

	for rows.Next() {
		var idx int
		var t, v float64
		var symbol string
		if err := rows.Scan(&idx, &t, &symbol, &v); err != nil {
			return RunMeta{}, nil, err
		}
		p, ok := points[idx]
		if !ok {
			p = &point{time: t, values: map[string]float64{}}
			points[idx] = p
			indices = append(indices, idx)
		}
		p.values[symbol] = v
		if _, ok := symbolSet[symbol]; !ok {
			symbolSet[symbol] = struct{}{}
			symbols = append(symbols, symbol)
		}
	}
	if err := rows.Err(); err != nil {
		return RunMeta{}, nil, err
	}

	rec := NewRecord(symbols)
	for _, idx := range indices {
		p := points[idx]
		if err := rec.Append(idx, p.time, p.values); err != nil {
			return RunMeta{}, nil, err
		}
	}
	return meta, rec, nil
}

func (s *Store) findRun(id string) (RunMeta, error) {
	rows, err := s.db.Query(`
		SELECT id, description, mode, solver, status, objective, created_at
		FROM runs WHERE id LIKE ? ORDER BY created_at DESC`, id+"%")
	if err != nil {
		return RunMeta{}, err
	}
	defer rows.Close()

	var matches []RunMeta
	for rows.Next() {
		var m RunMeta
		var created string
		if err := rows.Scan(&m.ID, &m.Description, &m.Mode, &m.Solver, &m.Status, &m.Objective, &created); err != nil {
			return RunMeta{}, err
		}
		m.Created, _ = time.Parse(time.RFC3339Nano, created)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return RunMeta{}, err
	}
	switch len(matches) {
	case 0:
		return RunMeta{}, fmt.Errorf("run %q not found", id)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID[:8]
		}
		return RunMeta{}, fmt.Errorf("run %q is ambiguous: %s", id, strings.Join(ids, ", "))
	}
}
