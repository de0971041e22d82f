package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// exportRecord is the line-delimited JSON interchange form. Timestamps are
// RFC 3339; the audit history does not travel with it.
type exportRecord struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	Priority     int      `json:"priority"`
	Type         string   `json:"type,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	ClosedAt     string   `json:"closed_at,omitempty"`
	AttemptCount int      `json:"attempt_count"`
	Result       string   `json:"result,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ExportJSONL writes every task to path as line-delimited JSON.
// The write is atomic: a temp file is renamed into place.
func (d *DB) ExportJSONL(path string) (int, error) {
	rows, err := d.db.Query(
		`SELECT id, title, description, status, priority, type, labels, params,
		        created_at, updated_at, closed_at, attempt_count, result, error
		 FROM tasks ORDER BY created_at ASC`,
	)
	if err != nil {
		return 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	count := 0
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	// The pool holds a single connection; release it before loadDeps queries.
	rows.Close()

	for _, task := range tasks {
		if err := d.loadDeps(task); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, err
		}
		if err := enc.Encode(toExportRecord(task)); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("encode %s: %w", task.ID, err)
		}
		count++
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename: %w", err)
	}

	log.Printf("[ledger] exported %d tasks to %s", count, path)
	return count, nil
}

// ImportJSONL creates tasks from a line-delimited JSON snapshot. Invalid
// lines and duplicate IDs are skipped with a warning; the count of imported
// tasks is returned.
func (d *DB) ImportJSONL(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	imported := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec exportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("[ledger] import: skipped invalid JSON line: %v", err)
			continue
		}
		task, err := fromExportRecord(rec)
		if err != nil {
			log.Printf("[ledger] import: skipped %s: %v", rec.ID, err)
			continue
		}
		if err := d.Create(task); err != nil {
			if errors.Is(err, domain.ErrTaskExists) {
				log.Printf("[ledger] import: %s already exists, skipped", rec.ID)
				continue
			}
			return imported, err
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("read import: %w", err)
	}
	return imported, nil
}

func toExportRecord(t *domain.Task) exportRecord {
	rec := exportRecord{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Status:       string(t.Status),
		Priority:     t.Priority,
		Type:         t.Type,
		Labels:       t.Labels,
		Dependencies: t.Dependencies,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    t.UpdatedAt.Format(time.RFC3339Nano),
		AttemptCount: t.AttemptCount,
		Result:       t.Result,
		Error:        t.Error,
	}
	if !t.ClosedAt.IsZero() {
		rec.ClosedAt = t.ClosedAt.Format(time.RFC3339Nano)
	}
	return rec
}

func fromExportRecord(rec exportRecord) (domain.Task, error) {
	if rec.ID == "" {
		return domain.Task{}, fmt.Errorf("record missing id")
	}
	status := domain.Status(rec.Status)
	if rec.Status == "" {
		status = domain.StatusOpen
	}
	if !status.Valid() {
		return domain.Task{}, fmt.Errorf("unknown status %q", rec.Status)
	}

	task := domain.Task{
		ID:           rec.ID,
		Title:        rec.Title,
		Description:  rec.Description,
		Status:       status,
		Priority:     rec.Priority,
		Type:         rec.Type,
		Labels:       rec.Labels,
		Dependencies: rec.Dependencies,
		AttemptCount: rec.AttemptCount,
		Result:       rec.Result,
		Error:        rec.Error,
	}
	task.CreatedAt = parseTime(rec.CreatedAt)
	task.UpdatedAt = parseTime(rec.UpdatedAt)
	task.ClosedAt = parseTime(rec.ClosedAt)
	return task, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
