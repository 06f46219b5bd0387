package resolver_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"mailmerge/internal/db"
	"mailmerge/internal/domain"
	"mailmerge/internal/migrate"
	"mailmerge/internal/repo"
	"mailmerge/internal/resolver"
)

type fixture struct {
	Repo        repo.Repo
	Ctx         context.Context
	Coordinator string
	Recipient   domain.Recipient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	f := &fixture{Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	f.Coordinator = uuid.NewString()
	if err := f.Repo.InsertCoordinator(f.Ctx, domain.Coordinator{
		ID: f.Coordinator, Name: "c", Account: "c", PasswordHash: "x", Email: "c@example.com",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	f.Recipient = domain.Recipient{ID: uuid.NewString(), Name: "Li", Email: "li@example.com", CreatedAt: now, UpdatedAt: now}
	if err := f.Repo.InsertRecipient(f.Ctx, f.Recipient); err != nil {
		t.Fatal(err)
	}
	return f
}

// addTask creates a template with the given field names and a task bound to
// it. startedOffset orders candidates (larger is more recent).
func (f *fixture) addTask(t *testing.T, name string, fields []string, startedOffset time.Duration) domain.Task {
	t.Helper()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tmpl := domain.Template{ID: uuid.NewString(), Name: name + "-template", CreatedBy: f.Coordinator,
		CreatedAt: now.Format(time.RFC3339), UpdatedAt: now.Format(time.RFC3339)}
	for i, fn := range fields {
		tmpl.Fields = append(tmpl.Fields, domain.TemplateField{
			ID: uuid.NewString(), TemplateID: tmpl.ID, Ord: i, DisplayName: fn,
		})
	}
	if err := f.Repo.InsertTemplate(f.Ctx, tmpl); err != nil {
		t.Fatal(err)
	}
	started := now.Add(startedOffset).Format(time.RFC3339)
	task := domain.Task{
		ID: uuid.NewString(), Name: name, TemplateID: tmpl.ID, Status: domain.TaskActive,
		StartedTime: &started, CreatedBy: f.Coordinator,
		CreatedAt: now.Format(time.RFC3339), UpdatedAt: now.Format(time.RFC3339),
	}
	if err := f.Repo.InsertTask(f.Ctx, task); err != nil {
		t.Fatal(err)
	}
	return task
}

func headers(hs ...string) func(string) ([]string, error) {
	return func(string) ([]string, error) { return hs, nil }
}

func TestUnknownSenderIsRejected(t *testing.T) {
	f := newFixture(t)
	r := resolver.Resolver{Repo: f.Repo}
	out, err := r.Resolve(f.Ctx, f.Coordinator, resolver.Input{Sender: "stranger@example.com", Subject: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Recipient != nil || out.TaskID != nil || out.Reason != resolver.MatchUnknownSender {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestMissingSpreadsheetMeansNoAssociation(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "survey-1", []string{"Name"}, 0)
	r := resolver.Resolver{Repo: f.Repo}
	// No attachment at all.
	out, err := r.Resolve(f.Ctx, f.Coordinator, resolver.Input{Sender: f.Recipient.Email, Subject: task.Name})
	if err != nil {
		t.Fatal(err)
	}
	if out.TaskID != nil || out.Reason != resolver.MatchNoAttachment {
		t.Fatalf("unexpected outcome %+v", out)
	}
	// Wrong extension.
	out, _ = r.Resolve(f.Ctx, f.Coordinator, resolver.Input{
		Sender: f.Recipient.Email, Subject: task.Name, AttachmentName: "notes.pdf",
	})
	if out.TaskID != nil || out.Reason != resolver.MatchNoAttachment {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Recipient == nil {
		t.Fatalf("known sender should still be resolved")
	}
}

// Rule order is authoritative: a subject match beats a header-subset match
// on a different task.
func TestSubjectMatchBeatsHeaderSubset(t *testing.T) {
	f := newFixture(t)
	subjectTask := f.addTask(t, "Weekly Report", []string{"Dept", "Budget"}, time.Hour)
	headerTask := f.addTask(t, "Head Count", []string{"Name", "Age"}, 2*time.Hour)

	r := resolver.Resolver{Repo: f.Repo, ReadHeaders: headers("Name", "Age")}
	out, err := r.Resolve(f.Ctx, f.Coordinator, resolver.Input{
		Sender:         f.Recipient.Email,
		Subject:        "Re: Weekly Report submission",
		AttachmentName: "reply.xlsx",
		AttachmentPath: "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.TaskID == nil || *out.TaskID != subjectTask.ID {
		t.Fatalf("subject match should win over header subset (%s), got %+v", headerTask.ID, out)
	}
	if out.Reason != resolver.MatchSubject {
		t.Fatalf("unexpected reason %s", out.Reason)
	}
}

func TestHeaderSubsetFallback(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, "Head Count", []string{"Name", "Age"}, 0)
	r := resolver.Resolver{Repo: f.Repo, ReadHeaders: headers("Name", "Age", "Extra")}
	out, err := r.Resolve(f.Ctx, f.Coordinator, resolver.Input{
		Sender:         f.Recipient.Email,
		Subject:        "no task name here",
		AttachmentName: "reply.xlsx",
		AttachmentPath: "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.TaskID == nil || *out.TaskID != task.ID || out.Reason != resolver.MatchHeaderSubset {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestNoRuleMatchedRetainsMessage(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "Head Count", []string{"Name", "Age"}, 0)
	r := resolver.Resolver{Repo: f.Repo, ReadHeaders: headers("Totally", "Different")}
	out, err := r.Resolve(f.Ctx, f.Coordinator, resolver.Input{
		Sender:         f.Recipient.Email,
		Subject:        "unrelated",
		AttachmentName: "reply.xlsx",
		AttachmentPath: "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.TaskID != nil || out.Reason != resolver.MatchNone {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

// Candidates are scanned newest start first, so when two task names both
// appear in the subject the more recent one wins deterministically.
func TestDeterministicCandidateOrder(t *testing.T) {
	f := newFixture(t)
	older := f.addTask(t, "Census", []string{"Name"}, time.Hour)
	newer := f.addTask(t, "Census 2026", []string{"Name"}, 2*time.Hour)

	r := resolver.Resolver{Repo: f.Repo, ReadHeaders: headers("Name")}
	out, err := r.Resolve(f.Ctx, f.Coordinator, resolver.Input{
		Sender:         f.Recipient.Email,
		Subject:        "Census 2026 data",
		AttachmentName: "reply.xlsx",
		AttachmentPath: "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.TaskID == nil || *out.TaskID != newer.ID {
		t.Fatalf("newest started task should win, got %+v (older=%s)", out, older.ID)
	}
}
