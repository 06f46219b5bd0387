package repo

import (
	"context"
	"database/sql"
	"strings"

	"mailmerge/internal/domain"
)

const taskCols = `id,name,description,template_id,started_time,deadline,status,mail_subject,mail_body,created_by,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var started, deadline sql.NullString
	err := scan(&t.ID, &t.Name, &t.Description, &t.TemplateID, &started, &deadline, &t.Status, &t.MailSubject, &t.MailBody, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.StartedTime = optionalString(started)
	t.Deadline = optionalString(deadline)
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.TemplateID, nullablePtr(t.StartedTime), nullablePtr(t.Deadline),
		t.Status, t.MailSubject, t.MailBody, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) listTasks(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks`
	if where != "" {
		query += ` WHERE ` + where
	}
	// Deterministic candidate order: newest start first, NULL starts last,
	// id descending as tiebreak.
	query += ` ORDER BY started_time IS NULL, started_time DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTasks(ctx context.Context, createdBy string) ([]domain.Task, error) {
	return r.listTasks(ctx, `created_by=?`, createdBy)
}

// ListTasksByStatus returns tasks of the given statuses across all
// coordinators, in the deterministic candidate order.
func (r Repo) ListTasksByStatus(ctx context.Context, statuses ...string) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return r.listTasks(ctx, "")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return r.listTasks(ctx, `status IN (`+placeholders+`)`, args...)
}

// ListTasksByCoordinator returns every task owned by the coordinator, all
// statuses, in the deterministic candidate order.
func (r Repo) ListTasksByCoordinator(ctx context.Context, coordinatorID string) ([]domain.Task, error) {
	return r.listTasks(ctx, `created_by=?`, coordinatorID)
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET name=?, description=?, template_id=?, started_time=?, deadline=?, mail_subject=?, mail_body=?, updated_at=? WHERE id=?`,
		t.Name, t.Description, t.TemplateID, nullablePtr(t.StartedTime), nullablePtr(t.Deadline), t.MailSubject, t.MailBody, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountInboundForTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbound_messages WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (r Repo) AddTaskTarget(ctx context.Context, taskID, recipientID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_targets(task_id,recipient_id) VALUES (?,?) ON CONFLICT DO NOTHING`, taskID, recipientID)
	return err
}

func (r Repo) RemoveTaskTarget(ctx context.Context, taskID, recipientID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM task_targets WHERE task_id=? AND recipient_id=?`, taskID, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTaskTargets returns the task's recipients ordered by name.
func (r Repo) ListTaskTargets(ctx context.Context, taskID string) ([]domain.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id,r.name,r.email,r.phone,r.created_at,r.updated_at
FROM task_targets t JOIN recipients r ON r.id=t.recipient_id WHERE t.task_id=? ORDER BY r.name, r.id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recipient
	for rows.Next() {
		var rec domain.Recipient
		var phone sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Email, &phone, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Phone = optionalString(phone)
		res = append(res, rec)
	}
	return res, rows.Err()
}
