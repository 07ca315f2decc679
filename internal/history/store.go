package history

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS predictions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	patient_id   TEXT,
	label        TEXT NOT NULL,
	probability  REAL NOT NULL,
	layer        TEXT,
	source       TEXT,
	created_at   TEXT NOT NULL
);
`

// Record is one stored prediction.
type Record struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id,omitempty"`
	Label       string    `json:"label"`
	Probability float32   `json:"probability"`
	Layer       string    `json:"layer,omitempty"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store keeps prediction history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores rec, assigning an id and UTC timestamp when they are unset.
func (s *Store) Append(rec Record) (Record, error) {
	if rec.Label == "" {
		return Record{}, fmt.Errorf("append: empty label")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	_, err := s.db.Exec(
		`INSERT INTO predictions (id, patient_id, label, probability, layer, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		nullIfEmpty(rec.PatientID),
		rec.Label,
		float64(rec.Probability),
		nullIfEmpty(rec.Layer),
		nullIfEmpty(rec.Source),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert prediction: %w", err)
	}
	return rec, nil
}

// List returns up to limit records, newest first. A limit <= 0 returns all.
func (s *Store) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, patient_id, label, probability, layer, source, created_at
		 FROM predictions ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                    Record
			patient, layer, source sql.NullString
			prob                   float64
			createdAt              string
		)
		if err := rows.Scan(&rec.ID, &patient, &rec.Label, &prob, &layer, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.PatientID = patient.String
		rec.Layer = layer.String
		rec.Source = source.String
		rec.Probability = float32(prob)
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExportCSV writes every record, oldest first, as patient_id;label;probability.
func (s *Store) ExportCSV(w io.Writer) error {
	recs, err := s.List(0)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	cw.Comma = ';'
	for i := len(recs) - 1; i >= 0; i-- {
		if err := cw.Write(CSVRow(recs[i])); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVRow formats a record the way the history file stores it.
func CSVRow(rec Record) []string {
	pid := rec.PatientID
	if pid == "" {
		pid = "-"
	}
	return []string{pid, rec.Label, fmt.Sprintf("%.2f%%", float64(rec.Probability)*100)}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
