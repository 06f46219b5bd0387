// Package resolver associates an inbound reply with the task it answers.
// There is no reliable foreign key on a reply, so association is decided
// from the sender, the subject line and the attachment's header row.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailmerge/internal/domain"
	"mailmerge/internal/excel"
	"mailmerge/internal/repo"
)

type Resolver struct {
	Repo repo.Repo
	// ReadHeaders parses the header row of a downloaded attachment.
	// Defaults to the excel package; injectable for tests.
	ReadHeaders func(path string) ([]string, error)
}

type Input struct {
	Sender         string
	Subject        string
	AttachmentName string
	AttachmentPath string
}

// Match reasons, recorded on the audit event for each ingested reply.
const (
	MatchUnknownSender = "unknown-sender"
	MatchNoAttachment  = "no-spreadsheet-attachment"
	MatchSubject       = "subject-contains-task-name"
	MatchHeaderSubset  = "template-headers-subset"
	MatchNone          = "no-rule-matched"
)

type Outcome struct {
	// Recipient is nil when the sender is unknown; the message is then
	// rejected (persisted without association for audit).
	Recipient *domain.Recipient
	TaskID    *string
	Reason    string
}

// Resolve runs the association rules in order; the first match wins.
// Candidate tasks are the coordinator's tasks in every status, in the
// repo's deterministic order (newest start first, NULL starts last, id
// descending).
func (r Resolver) Resolve(ctx context.Context, coordinatorID string, in Input) (Outcome, error) {
	rec, err := r.Repo.GetRecipientByEmail(ctx, strings.TrimSpace(in.Sender))
	if errors.Is(err, repo.ErrNotFound) {
		return Outcome{Reason: MatchUnknownSender}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve sender: %w", err)
	}

	if in.AttachmentName == "" || !excel.IsSpreadsheet(in.AttachmentName) {
		return Outcome{Recipient: &rec, Reason: MatchNoAttachment}, nil
	}

	candidates, err := r.Repo.ListTasksByCoordinator(ctx, coordinatorID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load candidate tasks: %w", err)
	}

	for _, t := range candidates {
		if t.Name != "" && strings.Contains(in.Subject, t.Name) {
			id := t.ID
			return Outcome{Recipient: &rec, TaskID: &id, Reason: MatchSubject}, nil
		}
	}

	headers, err := r.readHeaders(in.AttachmentPath)
	if err != nil {
		// An unparsable attachment only disables the header fallback.
		return Outcome{Recipient: &rec, Reason: MatchNone}, nil
	}
	headerSet := make(map[string]bool, len(headers))
	for _, h := range headers {
		headerSet[strings.TrimSpace(h)] = true
	}
	for _, t := range candidates {
		fields, err := r.Repo.ListTemplateFields(ctx, t.TemplateID)
		if err != nil {
			return Outcome{}, fmt.Errorf("load template fields: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		subset := true
		for _, f := range fields {
			if !headerSet[strings.TrimSpace(f.DisplayName)] {
				subset = false
				break
			}
		}
		if subset {
			id := t.ID
			return Outcome{Recipient: &rec, TaskID: &id, Reason: MatchHeaderSubset}, nil
		}
	}
	return Outcome{Recipient: &rec, Reason: MatchNone}, nil
}

func (r Resolver) readHeaders(path string) ([]string, error) {
	if r.ReadHeaders != nil {
		return r.ReadHeaders(path)
	}
	if path == "" {
		return nil, fmt.Errorf("no attachment file")
	}
	t, err := excel.ReadTable(path)
	if err != nil {
		return nil, err
	}
	return t.Headers, nil
}
