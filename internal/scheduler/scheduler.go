// Package scheduler drives the background work: a periodic task-status
// sweep and a periodic mailbox poll. One Scheduler is constructed at
// process startup and owns its timers; there is no package-level state.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mailmerge/internal/crypto"
	"mailmerge/internal/domain"
	"mailmerge/internal/engine"
	"mailmerge/internal/mail"
	"mailmerge/internal/repo"
)

// Key of the persisted mailbox poll watermark (UTC RFC3339). Absent means
// process the whole mailbox once.
const lastFetchKey = "mail.last_fetch"

type Scheduler struct {
	Engine   engine.Engine
	Receiver mail.Receiver
	Codec    *crypto.Codec
	Log      *zap.SugaredLogger

	SweepInterval time.Duration
	PollInterval  time.Duration

	cron *cron.Cron
}

func New(eng engine.Engine, receiver mail.Receiver, codec *crypto.Codec, log *zap.SugaredLogger, sweepInterval, pollInterval time.Duration) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		Engine:        eng,
		Receiver:      receiver,
		Codec:         codec,
		Log:           log,
		SweepInterval: sweepInterval,
		PollInterval:  pollInterval,
	}
}

// Start launches both interval jobs. Overlapping runs of the same job are
// skipped rather than queued, so one slow sweep never stacks up behind
// itself.
func (s *Scheduler) Start() {
	logger := cronLogger{s.Log}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger)))
	s.cron.Schedule(cron.Every(s.SweepInterval), cron.FuncJob(func() {
		s.Sweep(context.Background())
	}))
	s.cron.Schedule(cron.Every(s.PollInterval), cron.FuncJob(func() {
		s.PollMail(context.Background())
	}))
	s.cron.Start()
	s.Log.Infow("scheduler started", "sweep_interval", s.SweepInterval, "poll_interval", s.PollInterval)
}

// Stop halts the timers and waits for any running job to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep evaluates every transition-eligible task sequentially. A failure on
// one task is logged and does not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	run := uuid.NewString()[:8]
	tasks, err := s.Engine.Repo.ListTasksByStatus(ctx, domain.TaskDraft, domain.TaskActive, domain.TaskAggregated)
	if err != nil {
		s.Log.Errorw("sweep: load tasks", "run", run, "error", err)
		return
	}
	transitions := 0
	for _, task := range tasks {
		changed, err := s.Engine.Evaluate(ctx, task)
		if err != nil {
			s.Log.Errorw("sweep: evaluate task", "run", run, "task", task.Name, "error", err)
			continue
		}
		if changed {
			transitions++
		}
	}
	if transitions > 0 || len(tasks) > 0 {
		s.Log.Infow("sweep complete", "run", run, "tasks", len(tasks), "transitions", transitions)
	}
}

// PollMail fetches new messages for every coordinator with a configured
// mailbox and runs them through ingestion. The shared watermark advances to
// the poll start time only when every mailbox was polled without error.
func (s *Scheduler) PollMail(ctx context.Context) {
	run := uuid.NewString()[:8]
	started := s.Engine.Now().UTC()

	since := ""
	if v, err := s.Engine.Repo.GetKV(ctx, lastFetchKey); err == nil {
		since = v
	} else if err != repo.ErrNotFound {
		s.Log.Errorw("poll: read watermark", "run", run, "error", err)
		return
	}

	coordinators, err := s.Engine.Repo.ListCoordinators(ctx)
	if err != nil {
		s.Log.Errorw("poll: load coordinators", "run", run, "error", err)
		return
	}
	allOK := true
	for _, c := range coordinators {
		if c.MailAuthCode == nil {
			continue
		}
		code, err := s.Codec.Decrypt(*c.MailAuthCode)
		if err != nil {
			s.Log.Errorw("poll: decrypt auth code", "run", run, "coordinator", c.Account, "error", err)
			allOK = false
			continue
		}
		msgs, err := s.Receiver.Fetch(ctx, mail.Account{Address: c.Email, AuthCode: code}, since)
		if err != nil {
			s.Log.Errorw("poll: fetch mailbox", "run", run, "coordinator", c.Account, "error", err)
			allOK = false
			continue
		}
		ingested := 0
		for _, in := range msgs {
			msg, err := s.Engine.IngestInbound(ctx, c.ID, in)
			if err != nil {
				s.Log.Errorw("poll: ingest reply", "run", run, "sender", in.Sender, "error", err)
				continue
			}
			if msg != nil {
				ingested++
			}
		}
		if len(msgs) > 0 {
			s.Log.Infow("mailbox polled", "run", run, "coordinator", c.Account, "fetched", len(msgs), "ingested", ingested)
		}
	}
	if allOK {
		if err := s.Engine.Repo.SetKV(ctx, lastFetchKey, started.Format(time.RFC3339)); err != nil {
			s.Log.Errorw("poll: persist watermark", "run", run, "error", err)
		}
	}
}

// cronLogger adapts zap to cron's logging interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.s.Infow(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}
