package repo

import (
	"context"
	"database/sql"
	"errors"

	"mailmerge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func (r Repo) InsertCoordinator(ctx context.Context, c domain.Coordinator) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO coordinators(id,name,account,password_hash,email,mail_auth_code,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Account, c.PasswordHash, c.Email, nullablePtr(c.MailAuthCode), c.CreatedAt, c.UpdatedAt)
	return err
}

func scanCoordinator(row *sql.Row) (domain.Coordinator, error) {
	var c domain.Coordinator
	var code sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Account, &c.PasswordHash, &c.Email, &code, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.MailAuthCode = optionalString(code)
	return c, err
}

const coordinatorCols = `id,name,account,password_hash,email,mail_auth_code,created_at,updated_at`

func (r Repo) GetCoordinator(ctx context.Context, id string) (domain.Coordinator, error) {
	return scanCoordinator(r.DB.QueryRowContext(ctx, `SELECT `+coordinatorCols+` FROM coordinators WHERE id=?`, id))
}

func (r Repo) GetCoordinatorByAccount(ctx context.Context, account string) (domain.Coordinator, error) {
	return scanCoordinator(r.DB.QueryRowContext(ctx, `SELECT `+coordinatorCols+` FROM coordinators WHERE account=?`, account))
}

func (r Repo) ListCoordinators(ctx context.Context) ([]domain.Coordinator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+coordinatorCols+` FROM coordinators ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Coordinator
	for rows.Next() {
		var c domain.Coordinator
		var code sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Account, &c.PasswordHash, &c.Email, &code, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.MailAuthCode = optionalString(code)
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCoordinatorMailAuthCode(ctx context.Context, id string, encrypted *string, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE coordinators SET mail_auth_code=?, updated_at=? WHERE id=?`,
		nullablePtr(encrypted), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRecipient(ctx context.Context, rec domain.Recipient) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO recipients(id,name,email,phone,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.Name, rec.Email, nullablePtr(rec.Phone), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func scanRecipient(row *sql.Row) (domain.Recipient, error) {
	var rec domain.Recipient
	var phone sql.NullString
	err := row.Scan(&rec.ID, &rec.Name, &rec.Email, &phone, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	rec.Phone = optionalString(phone)
	return rec, err
}

func (r Repo) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	return scanRecipient(r.DB.QueryRowContext(ctx, `SELECT id,name,email,phone,created_at,updated_at FROM recipients WHERE id=?`, id))
}

func (r Repo) GetRecipientByEmail(ctx context.Context, email string) (domain.Recipient, error) {
	return scanRecipient(r.DB.QueryRowContext(ctx, `SELECT id,name,email,phone,created_at,updated_at FROM recipients WHERE email=?`, email))
}

func (r Repo) ListRecipients(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,phone,created_at,updated_at FROM recipients ORDER BY name, id`)
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

func (r Repo) UpdateRecipient(ctx context.Context, rec domain.Recipient) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE recipients SET name=?, email=?, phone=?, updated_at=? WHERE id=?`,
		rec.Name, rec.Email, nullablePtr(rec.Phone), rec.UpdatedAt, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetKV reads a scalar from the kv table; ErrNotFound when the key is absent.
func (r Repo) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT v FROM kv WHERE k=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetKV(ctx context.Context, key, value string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv(k,v) VALUES (?,?) ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, value)
	return err
}
