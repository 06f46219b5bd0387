package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"mailmerge/internal/domain"
	"mailmerge/internal/events"
	"mailmerge/internal/excel"
	"mailmerge/internal/mail"
)

// Evaluate runs the state machine for one task against the current time.
// At most one transition is applied per call; the deadline close is the one
// exception, chaining an aggregation attempt in the same call. Returns
// whether a transition happened.
func (e Engine) Evaluate(ctx context.Context, task domain.Task) (bool, error) {
	now := e.now().UTC()
	switch task.Status {
	case domain.TaskDraft:
		if task.StartedTime == nil {
			return false, nil
		}
		start, err := time.Parse(time.RFC3339, *task.StartedTime)
		if err != nil {
			return false, fmt.Errorf("task %s: invalid started_time: %w", task.Name, err)
		}
		if now.Before(start) {
			return false, nil
		}
		return true, e.activate(ctx, task, "scheduler")

	case domain.TaskActive:
		if task.Deadline == nil {
			return false, nil
		}
		deadline, err := time.Parse(time.RFC3339, *task.Deadline)
		if err != nil {
			return false, fmt.Errorf("task %s: invalid deadline: %w", task.Name, err)
		}
		if now.Before(deadline) {
			return false, nil
		}
		if err := e.transition(ctx, task.ID, domain.TaskClosed, "task.closed", "scheduler", events.EventPayload{"cause": "deadline"}); err != nil {
			return false, err
		}
		// Deadline close chains straight into an aggregation attempt so
		// data is not left unmerged; on failure the task stays CLOSED
		// and the operator retries manually.
		task.Status = domain.TaskClosed
		if _, err := e.AggregateNow(ctx, task.ID, "scheduler"); err != nil {
			e.Log.Warnw("post-deadline aggregation failed; task stays CLOSED", "task", task.Name, "error", err)
		}
		return true, nil

	case domain.TaskAggregated:
		pending, err := e.Repo.HasUnmergedInbound(ctx, task.ID)
		if err != nil {
			return false, err
		}
		if !pending {
			return false, nil
		}
		return true, e.transition(ctx, task.ID, domain.TaskNeedsReaggregation, "task.needs_reaggregation", "scheduler", events.EventPayload{"cause": "new-reply"})
	}
	return false, nil
}

// ActivateNow publishes a DRAFT task immediately. Calling it on a task that
// already left DRAFT is a no-op.
func (e Engine) ActivateNow(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskDraft {
		return t, nil
	}
	if err := e.activate(ctx, t, actorID); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// CloseNow closes an ACTIVE task and attempts the aggregation, same as the
// deadline path. Idempotent: a task already past ACTIVE is left alone.
func (e Engine) CloseNow(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskActive {
		return t, nil
	}
	if err := e.transition(ctx, t.ID, domain.TaskClosed, "task.closed", actorID, events.EventPayload{"cause": "manual"}); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.AggregateNow(ctx, t.ID, actorID); err != nil {
		e.Log.Warnw("aggregation after manual close failed; task stays CLOSED", "task", t.Name, "error", err)
	}
	return e.Repo.GetTask(ctx, taskID)
}

// AggregateNow runs the aggregation for a CLOSED, AGGREGATED or
// NEEDS_REAGGREGATION task and moves it to AGGREGATED on success. Repeated
// calls reuse the single aggregation row, so they produce one artifact.
func (e Engine) AggregateNow(ctx context.Context, taskID, actorID string) (AggregateResult, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return AggregateResult{}, err
	}
	switch t.Status {
	case domain.TaskClosed, domain.TaskAggregated, domain.TaskNeedsReaggregation:
	default:
		return AggregateResult{}, fmt.Errorf("task %s is %s; aggregation needs a closed task", t.Name, t.Status)
	}
	res, err := e.Aggregate(ctx, t, actorID)
	if err != nil {
		return AggregateResult{}, err
	}
	if t.Status != domain.TaskAggregated {
		if err := e.transition(ctx, t.ID, domain.TaskAggregated, "task.aggregated", actorID, events.EventPayload{"aggregation": res.Aggregation.ID}); err != nil {
			return AggregateResult{}, err
		}
	}
	return res, nil
}

// transition commits a status change plus its audit event.
func (e Engine) transition(ctx context.Context, taskID, status, evtType, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, taskID, status, e.nowStr()); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = status
	if err := e.Events.Append(ctx, tx, evtType, "task", taskID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// activate moves a DRAFT task to ACTIVE and dispatches the campaign mail.
// The status commits first, so a second activation attempt finds the task
// past DRAFT and never re-dispatches.
func (e Engine) activate(ctx context.Context, task domain.Task, actorID string) error {
	if err := e.transition(ctx, task.ID, domain.TaskActive, "task.activated", actorID, nil); err != nil {
		return err
	}
	if err := e.dispatchCampaign(ctx, task, actorID); err != nil {
		e.Log.Errorw("campaign dispatch failed", "task", task.Name, "error", err)
	}
	return nil
}

// dispatchCampaign generates the blank spreadsheet and emails it to every
// target. Per-recipient failures are recorded on their outbound rows and
// never escalated; there is no automatic retry.
func (e Engine) dispatchCampaign(ctx context.Context, task domain.Task, actorID string) error {
	fields, err := e.Repo.ListTemplateFields(ctx, task.TemplateID)
	if err != nil {
		return fmt.Errorf("load template fields: %w", err)
	}
	headers := make([]string, len(fields))
	for i, f := range fields {
		headers[i] = f.DisplayName
	}
	fileName := task.Name + ".xlsx"
	local := filepath.Join(e.WorkDir, "outbound", task.ID, fileName)
	if err := excel.WriteTemplate(local, headers); err != nil {
		return fmt.Errorf("write template spreadsheet: %w", err)
	}
	logical := fmt.Sprintf("task/%s/%s", task.ID, fileName)
	stored, err := e.Store.Upload(ctx, local, logical)
	if err != nil {
		return fmt.Errorf("upload template spreadsheet: %w", err)
	}
	att := domain.Attachment{
		ID:          uuid.NewString(),
		FilePath:    stored,
		FileName:    fileName,
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		UploadedAt:  e.nowStr(),
	}
	if err := e.Repo.InsertAttachment(ctx, att); err != nil {
		return fmt.Errorf("record attachment: %w", err)
	}

	targets, err := e.Repo.ListTaskTargets(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	sender, err := e.Repo.GetCoordinator(ctx, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("load coordinator: %w", err)
	}
	sent, failed := 0, 0
	for _, rcpt := range targets {
		out := domain.OutboundMessage{
			ID:           uuid.NewString(),
			TaskID:       task.ID,
			RecipientID:  rcpt.ID,
			Status:       domain.SendQueued,
			AttachmentID: &att.ID,
			CreatedAt:    e.nowStr(),
		}
		messageID, sendErr := e.Mail.Send(ctx, mail.Outgoing{
			From:           sender.Email,
			To:             rcpt.Email,
			Subject:        task.MailSubject,
			Body:           task.MailBody,
			AttachmentPath: local,
			AttachmentName: fileName,
		})
		if sendErr != nil {
			failed++
			out.Status = domain.SendFailed
			msg := sendErr.Error()
			out.Error = &msg
			e.Log.Warnw("send failed", "task", task.Name, "recipient", rcpt.Email, "error", sendErr)
		} else {
			sent++
			out.Status = domain.SendSent
			ts := e.nowStr()
			out.SentAt = &ts
			out.MessageID = &messageID
		}
		if err := e.recordOutbound(ctx, out, actorID); err != nil {
			return err
		}
	}
	e.Log.Infow("campaign dispatched", "task", task.Name, "sent", sent, "failed", failed)
	return nil
}

func (e Engine) recordOutbound(ctx context.Context, out domain.OutboundMessage, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOutboundTx(ctx, tx, out); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "mail.sent", "outbound_message", out.ID, actorID, events.EventPayload{
		"task": out.TaskID, "recipient": out.RecipientID, "status": out.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
