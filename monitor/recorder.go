// Package monitor records and broadcasts the progress of style transfer runs.
package monitor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openfluke/neuralstyle/style"
)

// Recorder stores runs and their per-step losses in a SQLite database
type Recorder struct {
	db    *sql.DB
	runID int64
}

// OpenRecorder opens (or creates) the database at path
func OpenRecorder(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			weights TEXT NOT NULL,
			config TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS steps(
			run_id INTEGER NOT NULL REFERENCES runs(id),
			step INTEGER NOT NULL,
			total REAL NOT NULL,
			content REAL NOT NULL,
			style REAL NOT NULL,
			learning_rate REAL NOT NULL,
			frame TEXT,
			elapsed_ms INTEGER NOT NULL,
			PRIMARY KEY(run_id, step)
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create steps table: %w", err)
	}

	return &Recorder{db: db}, nil
}

// Begin registers a new run and makes it the target of Report
func (r *Recorder) Begin(weights string, cfg style.Config) (int64, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}
	res, err := r.db.Exec("INSERT INTO runs(ts, weights, config, status) VALUES(?,?,?,?)",
		float64(time.Now().UnixMilli())/1000.0, weights, string(cfgJSON), "running")
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	if r.runID, err = res.LastInsertId(); err != nil {
		return 0, err
	}
	return r.runID, nil
}

// Report implements style.Reporter. Write failures are logged, not fatal.
func (r *Recorder) Report(p style.Progress) {
	if r.runID == 0 {
		return
	}
	var frame sql.NullString
	if p.Frame != "" {
		frame = sql.NullString{String: p.Frame, Valid: true}
	}
	_, err := r.db.Exec(`INSERT INTO steps(run_id, step, total, content, style, learning_rate, frame, elapsed_ms)
		VALUES(?,?,?,?,?,?,?,?)`,
		r.runID, p.Step, p.Losses.Total, p.Losses.Content, p.Losses.Style,
		float64(p.LearningRate), frame, p.Elapsed.Milliseconds())
	if err != nil {
		log.Printf("monitor: failed to record step %d: %v", p.Step, err)
	}
}

// Finish marks the current run done, or failed when runErr is non-nil
func (r *Recorder) Finish(runErr error) error {
	if r.runID == 0 {
		return nil
	}
	status := "done"
	var msg sql.NullString
	if runErr != nil {
		status = "failed"
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.db.Exec("UPDATE runs SET status = ?, error = ? WHERE id = ?", status, msg, r.runID)
	return err
}

// StepRecord is one stored step
type StepRecord struct {
	Step    int     `json:"step"`
	Total   float64 `json:"total"`
	Content float64 `json:"content"`
	Style   float64 `json:"style"`
	Frame   string  `json:"frame,omitempty"`
}

// Steps returns the recorded steps of a run in order
func (r *Recorder) Steps(runID int64) ([]StepRecord, error) {
	rows, err := r.db.Query("SELECT step, total, content, style, frame FROM steps WHERE run_id = ? ORDER BY step", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var frame sql.NullString
		if err := rows.Scan(&rec.Step, &rec.Total, &rec.Content, &rec.Style, &frame); err != nil {
			return nil, err
		}
		rec.Frame = frame.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunStatus returns the status column of a run
func (r *Recorder) RunStatus(runID int64) (string, error) {
	var status string
	err := r.db.QueryRow("SELECT status FROM runs WHERE id = ?", runID).Scan(&status)
	return status, err
}

// Close closes the database
func (r *Recorder) Close() error {
	return r.db.Close()
}
