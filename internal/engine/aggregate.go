package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"mailmerge/internal/domain"
	"mailmerge/internal/events"
	"mailmerge/internal/excel"
	"mailmerge/internal/rule"
)

// Token standing in for a nil cell in INVALID issue descriptions.
const emptyValueToken = "(empty)"

type AggregateResult struct {
	Aggregation domain.Aggregation
	Warnings    []string
}

// Aggregate merges every attachment-bearing reply of the task into one
// artifact. Re-aggregation reprocesses all replies rather than diffing
// against the prior run; the aggregation row and its storage path are
// reused in place. Per-reply failures downgrade to warnings; only an
// artifact write or upload failure aborts, leaving all state unchanged.
func (e Engine) Aggregate(ctx context.Context, task domain.Task, actorID string) (AggregateResult, error) {
	fields, err := e.Repo.ListTemplateFields(ctx, task.TemplateID)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("load template fields: %w", err)
	}
	headers := make([]string, len(fields))
	rules := make([]*rule.Rule, len(fields))
	for i, f := range fields {
		headers[i] = f.DisplayName
		doc := ""
		if f.RuleJSON != nil {
			doc = *f.RuleJSON
		}
		r, err := rule.Parse(doc)
		if err != nil {
			return AggregateResult{}, fmt.Errorf("field %q: %w", f.DisplayName, err)
		}
		rules[i] = r
	}

	msgs, err := e.Repo.ListInboundForTask(ctx, task.ID)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("load replies: %w", err)
	}

	aggID := uuid.NewString()
	existing, err := e.Repo.GetAggregationForTask(ctx, task.ID)
	hadPrior := err == nil
	if hadPrior {
		aggID = existing.ID
	}

	var (
		warnings  []string
		rows      [][]*string
		issues    []domain.ValidationIssue
		processed []string
	)
	for _, m := range msgs {
		if m.AttachmentID == nil {
			continue
		}
		row, rowIssues, warn := e.extractRow(ctx, m, headers, rules, aggID)
		if warn != "" {
			warnings = append(warnings, warn)
			continue
		}
		rows = append(rows, row)
		issues = append(issues, rowIssues...)
		processed = append(processed, m.ID)
	}

	local := filepath.Join(e.WorkDir, "aggregation", aggID, task.Name+"_merged.xlsx")
	if err := excel.WriteRows(local, headers, rows); err != nil {
		return AggregateResult{}, fmt.Errorf("write artifact: %w", err)
	}
	logical := fmt.Sprintf("aggregation/%s/%s_merged.xlsx", aggID, task.Name)
	if hadPrior {
		if err := e.Store.Delete(ctx, existing.FilePath); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete prior artifact %s: %v", existing.FilePath, err))
		}
	}
	stored, err := e.Store.Upload(ctx, local, logical)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("upload artifact: %w", err)
	}

	agg := domain.Aggregation{
		ID:          aggID,
		TaskID:      task.ID,
		GeneratedBy: actorID,
		GeneratedAt: e.nowStr(),
		RecordCount: len(rows),
		HasIssues:   len(issues) > 0,
		FilePath:    stored,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AggregateResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertAggregationTx(ctx, tx, agg); err != nil {
		return AggregateResult{}, fmt.Errorf("upsert aggregation: %w", err)
	}
	if err := e.Repo.ReplaceIssuesTx(ctx, tx, aggID, issues); err != nil {
		return AggregateResult{}, fmt.Errorf("replace issues: %w", err)
	}
	if err := e.Repo.MarkInboundMergedTx(ctx, tx, processed); err != nil {
		return AggregateResult{}, fmt.Errorf("mark replies merged: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.merged", "task", task.ID, actorID, events.EventPayload{
		"aggregation": aggID, "rows": len(rows), "issues": len(issues), "warnings": len(warnings),
	}); err != nil {
		return AggregateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AggregateResult{}, err
	}

	e.Log.Infow("aggregation complete", "task", task.Name, "rows", len(rows), "issues", len(issues), "warnings", len(warnings))
	return AggregateResult{Aggregation: agg, Warnings: warnings}, nil
}

// extractRow downloads and parses one reply. The returned warning is
// non-empty when the reply must be skipped.
func (e Engine) extractRow(ctx context.Context, m domain.InboundMessage, headers []string, rules []*rule.Rule, aggID string) ([]*string, []domain.ValidationIssue, string) {
	att, err := e.Repo.GetAttachment(ctx, *m.AttachmentID)
	if err != nil {
		return nil, nil, fmt.Sprintf("reply %s: attachment record: %v", m.ID, err)
	}
	local := filepath.Join(e.WorkDir, "inbound", m.ID, att.FileName)
	if err := e.Store.Download(ctx, att.FilePath, local); err != nil {
		return nil, nil, fmt.Sprintf("reply %s: download %s: %v", m.ID, att.FilePath, err)
	}
	table, err := excel.ReadTable(local)
	if err != nil {
		return nil, nil, fmt.Sprintf("reply %s: parse %s: %v", m.ID, att.FileName, err)
	}
	if len(table.Rows) == 0 {
		return nil, nil, fmt.Sprintf("reply %s: %s has no data rows", m.ID, att.FileName)
	}
	if len(table.Rows) > 1 {
		e.Log.Warnw("reply has multiple data rows; using the first", "reply", m.ID, "rows", len(table.Rows))
	}
	first := table.Rows[0]
	colIdx := table.HeaderIndex()

	recipientID := ""
	if m.RecipientID != nil {
		recipientID = *m.RecipientID
	}
	row := make([]*string, len(headers))
	var issues []domain.ValidationIssue
	for i, header := range headers {
		var cell *string
		if col, ok := colIdx[header]; ok && col < len(first) {
			cell = first[col]
		}
		row[i] = cell
		res := rule.Validate(cell, rules[i])
		if res.OK || recipientID == "" {
			continue
		}
		issue := domain.ValidationIssue{
			ID:            uuid.NewString(),
			AggregationID: aggID,
			RecipientID:   recipientID,
			FieldName:     header,
			CreatedAt:     e.nowStr(),
		}
		if res.Missing {
			issue.IssueType = domain.IssueMissing
		} else {
			issue.IssueType = domain.IssueInvalid
			value := emptyValueToken
			if cell != nil {
				value = *cell
			}
			issue.Description = fmt.Sprintf("%q %s", value, res.Reason)
		}
		issues = append(issues, issue)
	}
	return row, issues, ""
}
