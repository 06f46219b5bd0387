package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"mailmerge/internal/domain"
	"mailmerge/internal/events"
	"mailmerge/internal/mail"
	"mailmerge/internal/resolver"
)

// IngestInbound runs one polled message through the association resolver
// and persists the reply. Messages from unknown senders are retained with
// no association. Returns the stored reply, or nil when the Message-ID was
// already ingested.
func (e Engine) IngestInbound(ctx context.Context, coordinatorID string, in mail.Inbound) (*domain.InboundMessage, error) {
	if in.MessageID != "" {
		seen, err := e.Repo.HasInboundMessageID(ctx, in.MessageID)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, nil
		}
	}

	outcome, err := e.Resolver.Resolve(ctx, coordinatorID, resolver.Input{
		Sender:         in.Sender,
		Subject:        in.Subject,
		AttachmentName: in.AttachmentName,
		AttachmentPath: in.AttachmentPath,
	})
	if err != nil {
		return nil, err
	}
	// Unknown senders are kept too, with no recipient and no task, so the
	// message can be audited and linked manually later.
	msg := domain.InboundMessage{
		ID:         uuid.NewString(),
		TaskID:     outcome.TaskID,
		Sender:     in.Sender,
		ReceivedAt: in.Date,
		Subject:    in.Subject,
		CreatedAt:  e.nowStr(),
	}
	if outcome.Recipient != nil {
		id := outcome.Recipient.ID
		msg.RecipientID = &id
	} else {
		e.Log.Infow("reply from unknown sender retained without association", "sender", in.Sender, "subject", in.Subject)
	}
	if msg.ReceivedAt == "" {
		msg.ReceivedAt = e.nowStr()
	}
	if in.MessageID != "" {
		id := in.MessageID
		msg.MessageID = &id
	}

	// Storage upload happens before the transaction; the reply row, its
	// attachment row and the audit event commit together.
	var att *domain.Attachment
	if in.AttachmentPath != "" {
		logical := fmt.Sprintf("inbound/%s/%s", msg.ID, in.AttachmentName)
		stored, err := e.Store.Upload(ctx, in.AttachmentPath, logical)
		if err != nil {
			return nil, fmt.Errorf("store reply attachment: %w", err)
		}
		var size int64
		if fi, err := os.Stat(in.AttachmentPath); err == nil {
			size = fi.Size()
		}
		att = &domain.Attachment{
			ID:         uuid.NewString(),
			FilePath:   stored,
			FileName:   in.AttachmentName,
			FileSize:   size,
			UploadedAt: e.nowStr(),
		}
		msg.AttachmentID = &att.ID
	}

	taskID := ""
	if outcome.TaskID != nil {
		taskID = *outcome.TaskID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if att != nil {
		if err := e.Repo.InsertAttachmentTx(ctx, tx, *att); err != nil {
			return nil, fmt.Errorf("record reply attachment: %w", err)
		}
	}
	if err := e.Repo.InsertInboundTx(ctx, tx, msg); err != nil {
		return nil, fmt.Errorf("insert reply: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mail.received", "inbound_message", msg.ID, coordinatorID, events.EventPayload{
		"sender": in.Sender, "task": taskID, "match": outcome.Reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// A reply landing on an already-merged task flags it for re-merge
	// right away instead of waiting for the next sweep.
	if outcome.TaskID != nil {
		t, err := e.Repo.GetTask(ctx, *outcome.TaskID)
		if err == nil && t.Status == domain.TaskAggregated {
			if err := e.transition(ctx, t.ID, domain.TaskNeedsReaggregation, "task.needs_reaggregation", coordinatorID, events.EventPayload{"cause": "new-reply"}); err != nil {
				e.Log.Warnw("flag for re-aggregation failed", "task", t.Name, "error", err)
			}
		}
	}
	return &msg, nil
}
