package repo

import (
	"context"
	"database/sql"

	"mailmerge/internal/domain"
)

const aggregationCols = `id,task_id,generated_by,generated_at,record_count,has_issues,file_path`

func scanAggregation(scan func(dest ...any) error) (domain.Aggregation, error) {
	var a domain.Aggregation
	err := scan(&a.ID, &a.TaskID, &a.GeneratedBy, &a.GeneratedAt, &a.RecordCount, &a.HasIssues, &a.FilePath)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAggregationForTask(ctx context.Context, taskID string) (domain.Aggregation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+aggregationCols+` FROM aggregations WHERE task_id=?`, taskID)
	return scanAggregation(row.Scan)
}

func (r Repo) GetAggregationForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Aggregation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+aggregationCols+` FROM aggregations WHERE task_id=?`, taskID)
	return scanAggregation(row.Scan)
}

// UpsertAggregationTx keeps one row per task; on conflict the existing row is
// refreshed in place so its id and file path stay stable.
func (r Repo) UpsertAggregationTx(ctx context.Context, tx *sql.Tx, a domain.Aggregation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO aggregations(`+aggregationCols+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET generated_by=excluded.generated_by, generated_at=excluded.generated_at,
record_count=excluded.record_count, has_issues=excluded.has_issues, file_path=excluded.file_path`,
		a.ID, a.TaskID, a.GeneratedBy, a.GeneratedAt, a.RecordCount, a.HasIssues, a.FilePath)
	return err
}

// ReplaceIssuesTx drops every issue of the aggregation and writes the new set.
func (r Repo) ReplaceIssuesTx(ctx context.Context, tx *sql.Tx, aggregationID string, issues []domain.ValidationIssue) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM validation_issues WHERE aggregation_id=?`, aggregationID); err != nil {
		return err
	}
	// (aggregation, recipient, field) is unique; a later reply from the
	// same recipient supersedes the earlier issue for that field.
	for _, is := range issues {
		_, err := tx.ExecContext(ctx, `INSERT INTO validation_issues(id,aggregation_id,recipient_id,field_name,issue_type,description,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(aggregation_id,recipient_id,field_name) DO UPDATE SET issue_type=excluded.issue_type, description=excluded.description, created_at=excluded.created_at`,
			is.ID, is.AggregationID, is.RecipientID, is.FieldName, is.IssueType, is.Description, is.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListIssues(ctx context.Context, aggregationID string) ([]domain.ValidationIssue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,aggregation_id,recipient_id,field_name,issue_type,description,created_at
FROM validation_issues WHERE aggregation_id=? ORDER BY recipient_id, field_name`, aggregationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationIssue
	for rows.Next() {
		var is domain.ValidationIssue
		if err := rows.Scan(&is.ID, &is.AggregationID, &is.RecipientID, &is.FieldName, &is.IssueType, &is.Description, &is.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
