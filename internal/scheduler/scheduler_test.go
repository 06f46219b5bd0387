package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mailmerge/internal/crypto"
	"mailmerge/internal/db"
	"mailmerge/internal/domain"
	"mailmerge/internal/engine"
	"mailmerge/internal/mail"
	"mailmerge/internal/migrate"
	"mailmerge/internal/scheduler"
	"mailmerge/internal/storage"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Send(ctx context.Context, msg mail.Outgoing) (string, error) {
	return "id@test", nil
}

type fakeReceiver struct {
	msgs     []mail.Inbound
	sinceLog []string
	fail     bool
}

func (f *fakeReceiver) Fetch(ctx context.Context, account mail.Account, since string) ([]mail.Inbound, error) {
	f.sinceLog = append(f.sinceLog, since)
	if f.fail {
		return nil, errors.New("imap down")
	}
	return f.msgs, nil
}

func setup(t *testing.T) (engine.Engine, *crypto.Codec, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewLocal(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatal(err)
	}
	codec, err := crypto.NewCodec("test-key")
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, store, fakeDispatcher{}, codec, nil, filepath.Join(dir, "work"))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	return eng, codec, &now
}

func TestSweepActivatesDueTasks(t *testing.T) {
	eng, codec, now := setup(t)
	ctx := context.Background()
	coord, err := eng.CreateCoordinator(ctx, engine.CoordinatorCreateOptions{Name: "c", Account: "c", Password: "pw", Email: "c@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := eng.CreateTemplate(ctx, engine.TemplateCreateOptions{
		Name: "t", ActorID: coord.ID,
		Fields: []engine.TemplateFieldOptions{{DisplayName: "Name"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	started := now.Add(-time.Hour).Format(time.RFC3339)
	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{
		Name: "due", TemplateID: tmpl.ID, StartedTime: started, ActorID: coord.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	s := scheduler.New(eng, &fakeReceiver{}, codec, nil, time.Minute, time.Minute)
	s.Sweep(ctx)

	got, err := eng.Repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskActive {
		t.Fatalf("sweep should activate the due task, got %s", got.Status)
	}
}

func TestPollIngestsAndAdvancesWatermark(t *testing.T) {
	eng, codec, now := setup(t)
	ctx := context.Background()
	coord, err := eng.CreateCoordinator(ctx, engine.CoordinatorCreateOptions{Name: "c", Account: "c", Password: "pw", Email: "c@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.SetMailAuthCode(ctx, coord.ID, "auth-code"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateRecipient(ctx, engine.RecipientCreateOptions{Name: "Li", Email: "li@example.com"}); err != nil {
		t.Fatal(err)
	}

	recv := &fakeReceiver{msgs: []mail.Inbound{
		{Sender: "li@example.com", Subject: "hello", MessageID: "m1@test", Date: now.Format(time.RFC3339)},
	}}
	s := scheduler.New(eng, recv, codec, nil, time.Minute, time.Minute)

	// First poll: no watermark yet, the whole mailbox is processed.
	s.PollMail(ctx)
	if len(recv.sinceLog) != 1 || recv.sinceLog[0] != "" {
		t.Fatalf("first poll should fetch everything, got %v", recv.sinceLog)
	}
	wm, err := eng.Repo.GetKV(ctx, "mail.last_fetch")
	if err != nil {
		t.Fatalf("watermark should be persisted: %v", err)
	}
	if wm != now.Format(time.RFC3339) {
		t.Fatalf("watermark should be the poll start, got %s", wm)
	}

	// Second poll passes the watermark through.
	s.PollMail(ctx)
	if recv.sinceLog[1] != wm {
		t.Fatalf("second poll should use the watermark, got %q", recv.sinceLog[1])
	}

	seen, err := eng.Repo.HasInboundMessageID(ctx, "m1@test")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatalf("polled reply should be ingested")
	}
}

func TestPollFailureKeepsWatermark(t *testing.T) {
	eng, codec, _ := setup(t)
	ctx := context.Background()
	coord, err := eng.CreateCoordinator(ctx, engine.CoordinatorCreateOptions{Name: "c", Account: "c", Password: "pw", Email: "c@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.SetMailAuthCode(ctx, coord.ID, "auth-code"); err != nil {
		t.Fatal(err)
	}

	recv := &fakeReceiver{fail: true}
	s := scheduler.New(eng, recv, codec, nil, time.Minute, time.Minute)
	s.PollMail(ctx)

	if _, err := eng.Repo.GetKV(ctx, "mail.last_fetch"); err == nil {
		t.Fatalf("failed poll must not advance the watermark")
	}
}

func TestStartStop(t *testing.T) {
	eng, codec, _ := setup(t)
	s := scheduler.New(eng, &fakeReceiver{}, codec, nil, time.Hour, time.Hour)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stopping an unstarted scheduler is fine too.
	s2 := scheduler.New(eng, &fakeReceiver{}, codec, nil, time.Hour, time.Hour)
	if err := s2.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
