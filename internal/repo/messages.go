package repo

import (
	"context"
	"database/sql"

	"mailmerge/internal/domain"
)

func (r Repo) InsertAttachment(ctx context.Context, a domain.Attachment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO attachments(id,file_path,file_name,content_type,file_size,uploaded_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.FilePath, a.FileName, a.ContentType, a.FileSize, a.UploadedAt)
	return err
}

func (r Repo) InsertAttachmentTx(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments(id,file_path,file_name,content_type,file_size,uploaded_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.FilePath, a.FileName, a.ContentType, a.FileSize, a.UploadedAt)
	return err
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	var a domain.Attachment
	err := r.DB.QueryRowContext(ctx, `SELECT id,file_path,file_name,content_type,file_size,uploaded_at FROM attachments WHERE id=?`, id).
		Scan(&a.ID, &a.FilePath, &a.FileName, &a.ContentType, &a.FileSize, &a.UploadedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

const outboundCols = `id,task_id,recipient_id,sent_at,status,retry_count,message_id,error,attachment_id,created_at`

func (r Repo) InsertOutboundTx(ctx context.Context, tx *sql.Tx, m domain.OutboundMessage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outbound_messages(`+outboundCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TaskID, m.RecipientID, nullablePtr(m.SentAt), m.Status, m.RetryCount,
		nullablePtr(m.MessageID), nullablePtr(m.Error), nullablePtr(m.AttachmentID), m.CreatedAt)
	return err
}

func scanOutbound(scan func(dest ...any) error) (domain.OutboundMessage, error) {
	var m domain.OutboundMessage
	var sentAt, msgID, errText, attID sql.NullString
	err := scan(&m.ID, &m.TaskID, &m.RecipientID, &sentAt, &m.Status, &m.RetryCount, &msgID, &errText, &attID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.SentAt = optionalString(sentAt)
	m.MessageID = optionalString(msgID)
	m.Error = optionalString(errText)
	m.AttachmentID = optionalString(attID)
	return m, err
}

func (r Repo) ListOutboundForTask(ctx context.Context, taskID string) ([]domain.OutboundMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboundCols+` FROM outbound_messages WHERE task_id=? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

const inboundCols = `id,task_id,recipient_id,sender,received_at,message_id,subject,attachment_id,merged,created_at`

func (r Repo) InsertInbound(ctx context.Context, m domain.InboundMessage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO inbound_messages(`+inboundCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullablePtr(m.TaskID), nullablePtr(m.RecipientID), m.Sender, m.ReceivedAt, nullablePtr(m.MessageID),
		m.Subject, nullablePtr(m.AttachmentID), m.Merged, m.CreatedAt)
	return err
}

func (r Repo) InsertInboundTx(ctx context.Context, tx *sql.Tx, m domain.InboundMessage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inbound_messages(`+inboundCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullablePtr(m.TaskID), nullablePtr(m.RecipientID), m.Sender, m.ReceivedAt, nullablePtr(m.MessageID),
		m.Subject, nullablePtr(m.AttachmentID), m.Merged, m.CreatedAt)
	return err
}

func scanInbound(scan func(dest ...any) error) (domain.InboundMessage, error) {
	var m domain.InboundMessage
	var taskID, recipientID, msgID, attID sql.NullString
	err := scan(&m.ID, &taskID, &recipientID, &m.Sender, &m.ReceivedAt, &msgID, &m.Subject, &attID, &m.Merged, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.TaskID = optionalString(taskID)
	m.RecipientID = optionalString(recipientID)
	m.MessageID = optionalString(msgID)
	m.AttachmentID = optionalString(attID)
	return m, err
}

func (r Repo) ListInboundForTask(ctx context.Context, taskID string) ([]domain.InboundMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+inboundCols+` FROM inbound_messages WHERE task_id=? ORDER BY received_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InboundMessage
	for rows.Next() {
		m, err := scanInbound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// HasUnmergedInbound reports whether the task has any reply not yet merged.
func (r Repo) HasUnmergedInbound(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbound_messages WHERE task_id=? AND merged=0`, taskID).Scan(&n)
	return n > 0, err
}

// HasInboundMessageID guards against re-ingesting a message the poller has
// already stored.
func (r Repo) HasInboundMessageID(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbound_messages WHERE message_id=?`, messageID).Scan(&n)
	return n > 0, err
}

func (r Repo) MarkInboundMergedTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE inbound_messages SET merged=1 WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}
