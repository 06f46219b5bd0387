package repo

import (
	"context"
	"database/sql"

	"mailmerge/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, t domain.Template) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertTemplateTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO templates(id,name,description,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, f := range t.Fields {
		if err := r.InsertTemplateFieldTx(ctx, tx, f); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertTemplateFieldTx(ctx context.Context, tx *sql.Tx, f domain.TemplateField) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO template_fields(id,template_id,ord,display_name,rule_json) VALUES (?,?,?,?,?)`,
		f.ID, f.TemplateID, f.Ord, f.DisplayName, nullablePtr(f.RuleJSON))
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,created_by,created_at,updated_at FROM templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Fields, err = r.ListTemplateFields(ctx, id)
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context, createdBy string) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,created_by,created_at,updated_at FROM templates WHERE created_by=? ORDER BY created_at DESC, id DESC`, createdBy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTemplateFields returns the fields in output column order.
func (r Repo) ListTemplateFields(ctx context.Context, templateID string) ([]domain.TemplateField, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,ord,display_name,rule_json FROM template_fields WHERE template_id=? ORDER BY ord, id`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateField
	for rows.Next() {
		var f domain.TemplateField
		var rule sql.NullString
		if err := rows.Scan(&f.ID, &f.TemplateID, &f.Ord, &f.DisplayName, &rule); err != nil {
			return nil, err
		}
		f.RuleJSON = optionalString(rule)
		res = append(res, f)
	}
	return res, rows.Err()
}

// CountTasksForTemplate reports how many tasks reference the template. Field
// edits are refused while the count is nonzero.
func (r Repo) CountTasksForTemplate(ctx context.Context, templateID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE template_id=?`, templateID).Scan(&n)
	return n, err
}

func (r Repo) ReplaceTemplateFields(ctx context.Context, templateID string, fields []domain.TemplateField, updatedAt string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM template_fields WHERE template_id=?`, templateID); err != nil {
		return err
	}
	for _, f := range fields {
		if err := r.InsertTemplateFieldTx(ctx, tx, f); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE templates SET updated_at=? WHERE id=?`, updatedAt, templateID); err != nil {
		return err
	}
	return tx.Commit()
}
