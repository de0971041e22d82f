package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// resultLimit caps the stored result and error fields. Text beyond the cap is
// dropped; full error reports are kept only in the error tracker's sidecar log.
const resultLimit = 32000

// Create inserts a new task. Status defaults to open; created/updated stamps
// default to now. Fails with domain.ErrTaskExists on a duplicate ID.
func (d *DB) Create(task domain.Task) error {
	if task.ID == "" {
		return fmt.Errorf("create task: id is required")
	}
	if task.Status == "" {
		task.Status = domain.StatusOpen
	}
	if !task.Status.Valid() {
		return fmt.Errorf("create task %s: unknown status %q", task.ID, task.Status)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	labels, err := json.Marshal(task.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, task.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check existing: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("create task %s: %w", task.ID, domain.ErrTaskExists)
	}

	_, err = tx.Exec(
		`INSERT INTO tasks (id, title, description, status, priority, type, labels, params,
		                    created_at, updated_at, closed_at, attempt_count, result, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, string(task.Status), task.Priority,
		task.Type, string(labels), task.Params,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(), nullableUnixNano(task.ClosedAt),
		task.AttemptCount, nullString(task.Result), nullString(task.Error),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}

	for _, dep := range task.Dependencies {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO task_deps (task_id, depends_on) VALUES (?, ?)`,
			task.ID, dep,
		); err != nil {
			return fmt.Errorf("insert dep %s→%s: %w", task.ID, dep, err)
		}
	}

	return tx.Commit()
}

// Get retrieves a single task by ID.
func (d *DB) Get(taskID string) (*domain.Task, error) {
	row := d.db.QueryRow(
		`SELECT id, title, description, status, priority, type, labels, params,
		        created_at, updated_at, closed_at, attempt_count, result, error
		 FROM tasks WHERE id = ?`, taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, domain.ErrTaskNotFound)
	}
	if err := d.loadDeps(task); err != nil {
		return nil, err
	}
	return task, nil
}

// ReadyTasks returns a consistent snapshot of open tasks whose dependencies
// are all closed, ordered by (priority ascending, created_at ascending).
// A dependency on an unknown task ID never satisfies.
func (d *DB) ReadyTasks() ([]domain.Task, error) {
	rows, err := d.db.Query(
		`SELECT t.id, t.title, t.description, t.status, t.priority, t.type, t.labels, t.params,
		        t.created_at, t.updated_at, t.closed_at, t.attempt_count, t.result, t.error
		 FROM tasks t
		 WHERE t.status = 'open'
		   AND NOT EXISTS (
		       SELECT 1 FROM task_deps d
		       LEFT JOIN tasks dt ON dt.id = d.depends_on
		       WHERE d.task_id = t.id
		         AND (dt.status IS NULL OR dt.status != 'closed')
		   )
		 ORDER BY t.priority ASC, t.created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range tasks {
		if err := d.loadDeps(&tasks[i]); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// UpdateOpts carries the optional fields of a status transition.
type UpdateOpts struct {
	Result  *string
	Error   *string
	Attempt int    // when > 0, written to attempt_count
	Message string // audit annotation
}

// Update atomically transitions a task to newStatus: validates the task
// exists and the transition is permitted, writes all fields, appends one
// audit entry, and commits. Either every change lands or none do.
func (d *DB) Update(taskID string, newStatus domain.Status, opts UpdateOpts) error {
	if !newStatus.Valid() {
		return fmt.Errorf("update task %s: unknown status %q", taskID, newStatus)
	}
	now := time.Now().UTC()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var oldStatusStr string
	var attempts int
	err = tx.QueryRow(`SELECT status, attempt_count FROM tasks WHERE id = ?`, taskID).
		Scan(&oldStatusStr, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update task %s: %w", taskID, domain.ErrTaskNotFound)
	}
	if err != nil {
		return fmt.Errorf("read task %s: %w", taskID, err)
	}

	oldStatus := domain.Status(oldStatusStr)
	if !domain.CanTransition(oldStatus, newStatus) {
		return fmt.Errorf("update task %s: %s → %s: %w",
			taskID, oldStatus, newStatus, domain.ErrInvalidTransition)
	}

	attempt := attempts
	if opts.Attempt > 0 {
		if opts.Attempt < attempts {
			// attempt_count is monotonic
			return fmt.Errorf("update task %s: attempt %d below current %d: %w",
				taskID, opts.Attempt, attempts, domain.ErrInvalidTransition)
		}
		attempt = opts.Attempt
	}

	fields := "status = ?, updated_at = ?, attempt_count = ?"
	args := []any{string(newStatus), now.UnixNano(), attempt}

	if opts.Result != nil {
		fields += ", result = ?"
		args = append(args, truncate(*opts.Result, resultLimit))
	}
	if opts.Error != nil {
		fields += ", error = ?"
		args = append(args, truncate(*opts.Error, resultLimit))
	}
	if newStatus == domain.StatusClosed || newStatus == domain.StatusCancelled {
		fields += ", closed_at = ?"
		args = append(args, now.UnixNano())
	}
	args = append(args, taskID)

	if _, err := tx.Exec("UPDATE tasks SET "+fields+" WHERE id = ?", args...); err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO audit_log (task_id, ts, old_status, new_status, attempt, message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, now.UnixNano(), string(oldStatus), string(newStatus), attempt, nullString(opts.Message),
	); err != nil {
		return fmt.Errorf("append audit %s: %w", taskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s: %w", taskID, err)
	}

	log.Printf("[ledger] %s: %s → %s (attempt %d)", taskID, oldStatus, newStatus, attempt)
	return nil
}

// Stats returns the task count per status.
func (d *DB) Stats() (map[domain.Status]int, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := map[domain.Status]int{
		domain.StatusOpen:       0,
		domain.StatusInProgress: 0,
		domain.StatusClosed:     0,
		domain.StatusBlocked:    0,
		domain.StatusCancelled:  0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[domain.Status(status)] = count
	}
	return stats, rows.Err()
}

// Audit returns all audit entries for a task, oldest first.
func (d *DB) Audit(taskID string) ([]domain.AuditEntry, error) {
	rows, err := d.db.Query(
		`SELECT id, task_id, ts, old_status, new_status, attempt, message
		 FROM audit_log WHERE task_id = ? ORDER BY ts ASC, id ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit %s: %w", taskID, err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts int64
		var oldStatus, newStatus string
		var message sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &ts, &oldStatus, &newStatus, &e.Attempt, &message); err != nil {
			return nil, err
		}
		e.Timestamp = fromUnixNano(ts)
		e.OldStatus = domain.Status(oldStatus)
		e.NewStatus = domain.Status(newStatus)
		e.Message = message.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ─── Scanning ───────────────────────────────────────────────────────────────

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var status, labels string
	var createdAt, updatedAt int64
	var closedAt sql.NullInt64
	var result, errField sql.NullString

	err := s.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Priority, &t.Type,
		&labels, &t.Params, &createdAt, &updatedAt, &closedAt, &t.AttemptCount,
		&result, &errField)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	t.Status = domain.Status(status)
	t.CreatedAt = fromUnixNano(createdAt)
	t.UpdatedAt = fromUnixNano(updatedAt)
	if closedAt.Valid {
		t.ClosedAt = fromUnixNano(closedAt.Int64)
	}
	t.Result = result.String
	t.Error = errField.String
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
			t.Labels = nil
		}
	}
	return &t, nil
}

func (d *DB) loadDeps(t *domain.Task) error {
	rows, err := d.db.Query(
		`SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on`, t.ID,
	)
	if err != nil {
		return fmt.Errorf("query deps %s: %w", t.ID, err)
	}
	defer rows.Close()

	t.Dependencies = nil
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return err
		}
		t.Dependencies = append(t.Dependencies, dep)
	}
	return rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
