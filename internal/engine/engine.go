// Package engine holds the mail-merge core: coordinator/recipient/template/
// task operations, the task lifecycle state machine and the aggregation
// engine. All state changes commit transactionally together with their
// bookkeeping rows and an audit event.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailmerge/internal/crypto"
	"mailmerge/internal/domain"
	"mailmerge/internal/events"
	"mailmerge/internal/mail"
	"mailmerge/internal/repo"
	"mailmerge/internal/resolver"
	"mailmerge/internal/rule"
	"mailmerge/internal/storage"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Store    storage.Store
	Mail     mail.Dispatcher
	Resolver resolver.Resolver
	Codec    *crypto.Codec
	Log      *zap.SugaredLogger
	// WorkDir holds spreadsheets between generation/parse and upload.
	WorkDir string
	Now     func() time.Time
}

func New(db *sql.DB, store storage.Store, dispatcher mail.Dispatcher, codec *crypto.Codec, log *zap.SugaredLogger, workDir string) Engine {
	r := repo.Repo{DB: db}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Store:    store,
		Mail:     dispatcher,
		Resolver: resolver.Resolver{Repo: r},
		Codec:    codec,
		Log:      log,
		WorkDir:  workDir,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

type CoordinatorCreateOptions struct {
	Name     string
	Account  string
	Password string
	Email    string
}

func (e Engine) CreateCoordinator(ctx context.Context, opts CoordinatorCreateOptions) (domain.Coordinator, error) {
	if opts.Account == "" || opts.Password == "" || opts.Email == "" {
		return domain.Coordinator{}, errors.New("account, password and email are required")
	}
	hash, err := crypto.HashPassword(opts.Password)
	if err != nil {
		return domain.Coordinator{}, err
	}
	now := e.nowStr()
	c := domain.Coordinator{
		ID:           uuid.NewString(),
		Name:         opts.Name,
		Account:      opts.Account,
		PasswordHash: hash,
		Email:        opts.Email,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertCoordinator(ctx, c); err != nil {
		return domain.Coordinator{}, fmt.Errorf("insert coordinator: %w", err)
	}
	return c, nil
}

// Login checks the account credentials and returns the coordinator.
func (e Engine) Login(ctx context.Context, account, password string) (domain.Coordinator, error) {
	c, err := e.Repo.GetCoordinatorByAccount(ctx, account)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Coordinator{}, errors.New("invalid credentials")
	}
	if err != nil {
		return domain.Coordinator{}, err
	}
	if !crypto.CheckPassword(c.PasswordHash, password) {
		return domain.Coordinator{}, errors.New("invalid credentials")
	}
	return c, nil
}

// SetMailAuthCode stores the coordinator's mailbox auth code encrypted.
// An empty code clears it, which removes the mailbox from polling.
func (e Engine) SetMailAuthCode(ctx context.Context, coordinatorID, code string) error {
	var enc *string
	if code != "" {
		if e.Codec == nil {
			return errors.New("encryption key not configured")
		}
		sealed, err := e.Codec.Encrypt(code)
		if err != nil {
			return err
		}
		enc = &sealed
	}
	return e.Repo.UpdateCoordinatorMailAuthCode(ctx, coordinatorID, enc, e.nowStr())
}

type RecipientCreateOptions struct {
	Name  string
	Email string
	Phone string
}

func (e Engine) CreateRecipient(ctx context.Context, opts RecipientCreateOptions) (domain.Recipient, error) {
	if opts.Name == "" || opts.Email == "" {
		return domain.Recipient{}, errors.New("name and email are required")
	}
	now := e.nowStr()
	rec := domain.Recipient{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		Email:     opts.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Phone != "" {
		rec.Phone = &opts.Phone
	}
	if err := e.Repo.InsertRecipient(ctx, rec); err != nil {
		return domain.Recipient{}, fmt.Errorf("insert recipient: %w", err)
	}
	return rec, nil
}

type TemplateFieldOptions struct {
	DisplayName string
	RuleJSON    string
}

type TemplateCreateOptions struct {
	Name        string
	Description string
	Fields      []TemplateFieldOptions
	ActorID     string
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.Template, error) {
	if opts.Name == "" {
		return domain.Template{}, errors.New("template name is required")
	}
	if len(opts.Fields) == 0 {
		return domain.Template{}, errors.New("template needs at least one field")
	}
	fields, err := buildFields(opts.Fields)
	if err != nil {
		return domain.Template{}, err
	}
	now := e.nowStr()
	t := domain.Template{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		Description: opts.Description,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range fields {
		fields[i].TemplateID = t.ID
	}
	t.Fields = fields
	if err := e.Repo.InsertTemplate(ctx, t); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	return t, nil
}

// UpdateTemplateFields replaces the field list. Refused once any task
// references the template, since reordering columns would silently corrupt
// historical merges.
func (e Engine) UpdateTemplateFields(ctx context.Context, templateID string, fieldOpts []TemplateFieldOptions) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	n, err := e.Repo.CountTasksForTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if n > 0 {
		return domain.Template{}, fmt.Errorf("template %s is referenced by %d task(s); fields are immutable", t.Name, n)
	}
	fields, err := buildFields(fieldOpts)
	if err != nil {
		return domain.Template{}, err
	}
	for i := range fields {
		fields[i].TemplateID = templateID
	}
	if err := e.Repo.ReplaceTemplateFields(ctx, templateID, fields, e.nowStr()); err != nil {
		return domain.Template{}, err
	}
	return e.Repo.GetTemplate(ctx, templateID)
}

func buildFields(opts []TemplateFieldOptions) ([]domain.TemplateField, error) {
	seen := map[string]bool{}
	var fields []domain.TemplateField
	for i, fo := range opts {
		if fo.DisplayName == "" {
			return nil, fmt.Errorf("field %d has no display name", i+1)
		}
		if seen[fo.DisplayName] {
			return nil, fmt.Errorf("duplicate field name %q", fo.DisplayName)
		}
		seen[fo.DisplayName] = true
		if _, err := rule.Parse(fo.RuleJSON); err != nil {
			return nil, fmt.Errorf("field %q: %w", fo.DisplayName, err)
		}
		f := domain.TemplateField{
			ID:          uuid.NewString(),
			Ord:         i,
			DisplayName: fo.DisplayName,
		}
		if fo.RuleJSON != "" {
			r := fo.RuleJSON
			f.RuleJSON = &r
		}
		fields = append(fields, f)
	}
	return fields, nil
}

type TaskCreateOptions struct {
	Name        string
	Description string
	TemplateID  string
	StartedTime string
	Deadline    string
	MailSubject string
	MailBody    string
	Targets     []string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Name == "" {
		return domain.Task{}, errors.New("task name is required")
	}
	if opts.TemplateID == "" {
		return domain.Task{}, errors.New("template is required")
	}
	if _, err := e.Repo.GetTemplate(ctx, opts.TemplateID); err != nil {
		return domain.Task{}, fmt.Errorf("template: %w", err)
	}
	if err := checkSchedule(opts.StartedTime, opts.Deadline); err != nil {
		return domain.Task{}, err
	}
	now := e.nowStr()
	t := domain.Task{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		Description: opts.Description,
		TemplateID:  opts.TemplateID,
		Status:      domain.TaskDraft,
		MailSubject: opts.MailSubject,
		MailBody:    opts.MailBody,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.MailSubject == "" {
		t.MailSubject = opts.Name
	}
	if opts.StartedTime != "" {
		s := opts.StartedTime
		t.StartedTime = &s
	}
	if opts.Deadline != "" {
		d := opts.Deadline
		t.Deadline = &d
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	for _, rid := range opts.Targets {
		if _, err := e.Repo.GetRecipient(ctx, rid); err != nil {
			return domain.Task{}, fmt.Errorf("target %s: %w", rid, err)
		}
		if err := e.Repo.AddTaskTarget(ctx, t.ID, rid); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

type TaskUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
	StartedTime *string
	Deadline    *string
	MailSubject *string
	MailBody    *string
	ActorID     string
}

// UpdateTask edits task fields. Only DRAFT tasks are editable.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskDraft {
		return domain.Task{}, fmt.Errorf("task %s is %s; only DRAFT tasks are editable", t.Name, t.Status)
	}
	if opts.Name != nil {
		t.Name = *opts.Name
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.StartedTime != nil {
		if *opts.StartedTime == "" {
			t.StartedTime = nil
		} else {
			t.StartedTime = opts.StartedTime
		}
	}
	if opts.Deadline != nil {
		if *opts.Deadline == "" {
			t.Deadline = nil
		} else {
			t.Deadline = opts.Deadline
		}
	}
	if opts.MailSubject != nil {
		t.MailSubject = *opts.MailSubject
	}
	if opts.MailBody != nil {
		t.MailBody = *opts.MailBody
	}
	started, deadline := "", ""
	if t.StartedTime != nil {
		started = *t.StartedTime
	}
	if t.Deadline != nil {
		deadline = *t.Deadline
	}
	if err := checkSchedule(started, deadline); err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AddTarget links a recipient to a DRAFT task.
func (e Engine) AddTarget(ctx context.Context, taskID, recipientID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskDraft {
		return fmt.Errorf("task %s is %s; targets are immutable after DRAFT", t.Name, t.Status)
	}
	if _, err := e.Repo.GetRecipient(ctx, recipientID); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	return e.Repo.AddTaskTarget(ctx, taskID, recipientID)
}

func (e Engine) RemoveTarget(ctx context.Context, taskID, recipientID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskDraft {
		return fmt.Errorf("task %s is %s; targets are immutable after DRAFT", t.Name, t.Status)
	}
	return e.Repo.RemoveTaskTarget(ctx, taskID, recipientID)
}

// DeleteTask removes a task that has never received a reply.
func (e Engine) DeleteTask(ctx context.Context, taskID, actorID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	n, err := e.Repo.CountInboundForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("task %s has %d received replies and cannot be deleted", t.Name, n)
	}
	return e.Repo.DeleteTask(ctx, taskID)
}

func checkSchedule(started, deadline string) error {
	if started == "" || deadline == "" {
		return nil
	}
	s, err := time.Parse(time.RFC3339, started)
	if err != nil {
		return fmt.Errorf("invalid started_time: %w", err)
	}
	d, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return fmt.Errorf("invalid deadline: %w", err)
	}
	if !d.After(s) {
		return errors.New("deadline must be after started_time")
	}
	return nil
}
