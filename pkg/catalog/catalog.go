// Package catalog persists the outputs of a run: the set of reconstructed
// tomograms, the intermediate stack count of every tilt-series and free-form
// notes. It is stored as a SQLite database inside the run directory so later
// runs (and the summary command) can pick it up.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"novactf/internal/models"
)

// FileName is the name of the catalog inside a run directory
const FileName = "tomograms.sqlite"

// StreamState tells whether more tomograms may be appended to the set
type StreamState string

const (
	StreamOpen   StreamState = "open"
	StreamClosed StreamState = "closed"
)

// ErrSetClosed is returned when appending to a closed set
var ErrSetClosed = errors.New("tomogram set is closed")

// Catalog is the persisted output set of a run
type Catalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates or opens the catalog in dir
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	dbPath := filepath.Join(dir, FileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// a single connection serialises writers from parallel steps
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

// Close closes the database connection
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Path returns the database file path
func (c *Catalog) Path() string {
	return c.dbPath
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tomograms (
		ts_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		sampling_rate REAL NOT NULL,
		dim_x INTEGER NOT NULL,
		dim_y INTEGER NOT NULL,
		dim_z INTEGER NOT NULL,
		origin_x REAL NOT NULL,
		origin_y REAL NOT NULL,
		origin_z REAL NOT NULL,
		acquisition_json TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stacks (
		ts_id TEXT PRIMARY KEY,
		count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS properties (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Reset removes the tomograms, stack counts and notes of an earlier run so
// the directory can be reused
func (c *Catalog) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range []string{
		`DELETE FROM tomograms`,
		`DELETE FROM stacks`,
		`DELETE FROM properties WHERE key LIKE 'note.%'`,
	} {
		if _, err := c.db.Exec(q); err != nil {
			return fmt.Errorf("failed to reset catalog: %w", err)
		}
	}
	return nil
}

// Append adds a tomogram to the set, replacing any previous entry of the
// same tilt-series
func (c *Catalog) Append(t models.Tomogram) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.streamState()
	if err != nil {
		return err
	}
	if state == StreamClosed {
		return ErrSetClosed
	}

	acq, err := json.Marshal(t.Acquisition)
	if err != nil {
		return fmt.Errorf("failed to encode acquisition: %w", err)
	}

	_, err = c.db.Exec(`INSERT OR REPLACE INTO tomograms
		(ts_id, file_name, sampling_rate, dim_x, dim_y, dim_z, origin_x, origin_y, origin_z, acquisition_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TsID, t.FileName, t.SamplingRate,
		t.Dims.X, t.Dims.Y, t.Dims.Z,
		t.Origin.X, t.Origin.Y, t.Origin.Z,
		string(acq), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store tomogram %s: %w", t.TsID, err)
	}
	return nil
}

// Tomograms returns the registered tomograms ordered by tilt-series id
func (c *Catalog) Tomograms() ([]models.Tomogram, error) {
	rows, err := c.db.Query(`SELECT ts_id, file_name, sampling_rate, dim_x, dim_y, dim_z,
		origin_x, origin_y, origin_z, acquisition_json FROM tomograms ORDER BY ts_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Tomogram
	for rows.Next() {
		var t models.Tomogram
		var acq sql.NullString
		if err := rows.Scan(&t.TsID, &t.FileName, &t.SamplingRate,
			&t.Dims.X, &t.Dims.Y, &t.Dims.Z,
			&t.Origin.X, &t.Origin.Y, &t.Origin.Z, &acq); err != nil {
			return nil, err
		}
		if acq.Valid && acq.String != "" {
			if err := json.Unmarshal([]byte(acq.String), &t.Acquisition); err != nil {
				return nil, fmt.Errorf("failed to decode acquisition of %s: %w", t.TsID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Size returns the number of registered tomograms
func (c *Catalog) Size() (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM tomograms`).Scan(&n)
	return n, err
}

// SetStreamState opens or closes the set
func (c *Catalog) SetStreamState(s StreamState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setProperty("stream_state", string(s))
}

// StreamState returns the state of the set; a new set is open
func (c *Catalog) StreamState() (StreamState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamState()
}

func (c *Catalog) streamState() (StreamState, error) {
	v, ok, err := c.property("stream_state")
	if err != nil || !ok {
		return StreamOpen, err
	}
	return StreamState(v), nil
}

// RecordStacks stores the intermediate stack count of a tilt-series
func (c *Catalog) RecordStacks(tsID string, n int) error {
	_, err := c.db.Exec(`INSERT OR REPLACE INTO stacks (ts_id, count) VALUES (?, ?)`, tsID, n)
	return err
}

// StackCounts returns the stored stack count of every tilt-series
func (c *Catalog) StackCounts() (map[string]int, error) {
	rows, err := c.db.Query(`SELECT ts_id, count FROM stacks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// SetNote stores a message under key
func (c *Catalog) SetNote(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setProperty("note."+key, value)
}

// Note returns the message stored under key, empty when absent
func (c *Catalog) Note(key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _, err := c.property("note." + key)
	return v, err
}

func (c *Catalog) setProperty(key, value string) error {
	_, err := c.db.Exec(`INSERT OR REPLACE INTO properties (key, value) VALUES (?, ?)`, key, value)
	return err
}

func (c *Catalog) property(key string) (string, bool, error) {
	var v string
	err := c.db.QueryRow(`SELECT value FROM properties WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
