// Package scheduler drives time-based behavior: it fires recurring
// schedules into new activities, expires and reminds pending
// interactions, and chases overdue tickets. One sweep runs per tick
// across every tenant.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowdesk/flowdesk/internal/alert"
	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/mail"
	"github.com/flowdesk/flowdesk/pkg/ptr"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// TenantSource enumerates tenants and resolves their storage.
type TenantSource interface {
	Tenants() []string
	Storage(tenant string) (storage.Storage, error)
}

type Scheduler struct {
	engine   *flow.Engine
	tenants  TenantSource
	mailer   mail.Sender
	alerter  alert.Notifier
	interval time.Duration
	// reminderInterval is the minimum gap between two reminder mails to
	// the same pending interaction recipient.
	reminderInterval time.Duration
	clock            func() time.Time
}

type Option func(*Scheduler)

func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = interval
	}
}

func WithReminderInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.reminderInterval = interval
	}
}

func WithMailer(mailer mail.Sender) Option {
	return func(s *Scheduler) {
		s.mailer = mailer
	}
}

func WithAlerter(alerter alert.Notifier) Option {
	return func(s *Scheduler) {
		s.alerter = alerter
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func New(engine *flow.Engine, tenants TenantSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:           engine,
		tenants:          tenants,
		mailer:           mail.NoopSender{},
		alerter:          alert.NoopNotifier{},
		interval:         time.Minute,
		reminderInterval: 24 * time.Hour,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every tick until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info("scheduler started, sweeping every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every tenant.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock()
	for _, tenant := range s.tenants.Tenants() {
		store, err := s.tenants.Storage(tenant)
		if err != nil {
			log.Error("scheduler cannot resolve tenant %s: %s", tenant, err)
			continue
		}
		s.fireSchedules(ctx, tenant, store, now)
		s.sweepInteractions(ctx, tenant, store, now)
		s.chaseOverdue(ctx, tenant, store, now)
	}
}

// fireSchedules claims every due firing and turns it into an activity.
// The claim flips the firing's finished flag before any work happens, so
// a firing creates at most one activity even when a sweep crashes midway.
func (s *Scheduler) fireSchedules(ctx context.Context, tenant string, store storage.Storage, now time.Time) {
	due, err := store.FindDueSchedules(ctx, now)
	if err != nil {
		log.Error("failed to list due schedules for tenant %s: %s", tenant, err)
		return
	}

	for _, schedule := range due {
		firing := schedule.NextDue(now)
		if firing == nil {
			continue
		}

		firing.Finished = true
		if err := store.SaveSchedule(ctx, schedule); err != nil {
			log.Error("failed to claim firing %s of schedule %d: %s", firing.ID, schedule.Key, err)
			continue
		}

		s.executeFiring(ctx, tenant, store, &schedule, firing, now)
	}
}

func (s *Scheduler) executeFiring(ctx context.Context, tenant string, store storage.Storage, schedule *runtime.Schedule, firing *runtime.Firing, now time.Time) {
	activity, err := s.engine.CreateActivity(ctx, tenant, flow.CreateActivityRequest{
		FormKey:   schedule.FormKey,
		Automatic: true,
	})
	if err != nil {
		firing.Status = runtime.FiringStatusFailed
		firing.Error = err.Error()
		log.Error("firing %s of schedule %d failed: %s", firing.ID, schedule.Key, err)
		s.alerter.NotifyStepFailure(ctx, alert.StepFailure{
			Tenant:      tenant,
			NodeType:    "schedule",
			NodeName:    fmt.Sprintf("schedule %d", schedule.Key),
			ActivityKey: schedule.Key,
			Err:         err,
		})
	} else {
		firing.Status = runtime.FiringStatusCompleted
		firing.ActivityKey = activity.Key
		log.Infof(log.WithTenant(ctx, tenant), "schedule %d fired activity %d", schedule.Key, activity.Key)
	}

	PlanNext(schedule, now)
	if err := store.SaveSchedule(ctx, *schedule); err != nil {
		log.Error("failed to record firing %s of schedule %d: %s", firing.ID, schedule.Key, err)
	}
}

// PlanNext appends the next pending firing of the schedule, honoring its
// end date and repeat cap. A schedule that has nothing left to fire is
// deactivated. Callers creating a schedule use this to plan its first
// firing.
func PlanNext(schedule *runtime.Schedule, now time.Time) {
	if !schedule.Active {
		return
	}
	if schedule.Repeat > 0 && schedule.CompletedFirings() >= schedule.Repeat {
		schedule.Active = false
		return
	}

	next, err := nextOccurrence(schedule, now)
	if err != nil {
		log.Error("schedule %d has an invalid cron expression %q: %s", schedule.Key, schedule.Cron, err)
		schedule.Active = false
		return
	}
	if schedule.End != nil && next.After(*schedule.End) {
		schedule.Active = false
		return
	}

	schedule.Firings = append(schedule.Firings, runtime.Firing{
		ID:     uuid.NewString(),
		At:     next,
		Status: runtime.FiringStatusPending,
	})
}

func nextOccurrence(schedule *runtime.Schedule, now time.Time) (time.Time, error) {
	spec := schedule.Cron
	if schedule.Timezone != "" {
		spec = "CRON_TZ=" + schedule.Timezone + " " + schedule.Cron
	}
	expr, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	from := now
	if start := ptr.Deref(schedule.Start, time.Time{}); start.After(now) {
		from = start
	}
	return expr.Next(from), nil
}

// sweepInteractions walks every activity still waiting on interaction
// answers: an interaction past its due date is forced to a result so the
// run moves on, and recipients sitting on an idle answer slot are
// reminded by mail, at most once per reminder interval.
func (s *Scheduler) sweepInteractions(ctx context.Context, tenant string, store storage.Storage, now time.Time) {
	open, err := store.FindActivitiesWithOpenInteractions(ctx)
	if err != nil {
		log.Error("failed to list pending interactions for tenant %s: %s", tenant, err)
		return
	}

	for i := range open {
		activity := &open[i]
		if s.expireInteractions(ctx, tenant, activity, now) {
			// the record just changed underneath our copy; reminders for
			// whatever is still open wait for the next sweep
			continue
		}
		s.remindPending(ctx, store, activity, now)
	}
}

// expireInteractions forces a result on every interaction of the activity
// whose due date has passed, reporting whether any was expired.
func (s *Scheduler) expireInteractions(ctx context.Context, tenant string, activity *runtime.Activity, now time.Time) bool {
	expired := false
	for i := range activity.Interactions {
		it := &activity.Interactions[i]
		if it.Finished || it.DueDate == nil || it.DueDate.After(now) {
			continue
		}
		log.Infof(log.WithTenant(ctx, tenant), "interaction %s of activity %d passed its due date, forcing a result", it.ID, activity.Key)
		if err := s.engine.ForceFinishInteraction(ctx, tenant, activity.Key, it.ID); err != nil {
			log.Error("failed to expire interaction %s of activity %d: %s", it.ID, activity.Key, err)
			continue
		}
		expired = true
	}
	return expired
}

// remindPending nags every recipient holding an idle answer. The reminder
// timestamps are persisted before any mail goes out; a conflicting write
// means another actor touched the activity and the next sweep retries.
func (s *Scheduler) remindPending(ctx context.Context, store storage.Storage, activity *runtime.Activity, now time.Time) {
	pending := make([]string, 0)
	for i := range activity.Interactions {
		it := &activity.Interactions[i]
		if it.Finished {
			continue
		}
		for j := range it.Answers {
			answer := &it.Answers[j]
			if answer.Status != runtime.StepStatusIdle || answer.User.Email == "" {
				continue
			}
			if answer.RemindedAt != nil && now.Sub(*answer.RemindedAt) < s.reminderInterval {
				continue
			}
			answer.RemindedAt = &now
			pending = append(pending, answer.User.Email)
		}
	}
	if len(pending) == 0 {
		return
	}

	if err := store.SaveActivity(ctx, activity); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			log.Error("failed to record reminders on activity %d: %s", activity.Key, err)
		}
		return
	}

	for _, email := range pending {
		m := mail.Mail{
			To:      []string{email},
			Subject: fmt.Sprintf("Protocol %s needs your response", activity.Protocol),
			HTML: fmt.Sprintf("<p>The request <strong>%s</strong> (protocol %s) is waiting for your answer.</p>",
				activity.Name, activity.Protocol),
		}
		if err := s.mailer.Send(ctx, m); err != nil {
			log.Error("failed to remind about activity %d: %s", activity.Key, err)
		}
	}
}

// chaseOverdue mails the requesters of every unfinished activity whose
// due date has passed. The notification is recorded on the activity
// before any mail goes out, so a ticket is chased once even across
// restarts.
func (s *Scheduler) chaseOverdue(ctx context.Context, tenant string, store storage.Storage, now time.Time) {
	overdue, err := store.FindOverdueActivities(ctx, now)
	if err != nil {
		log.Error("failed to list overdue activities for tenant %s: %s", tenant, err)
		return
	}

	for i := range overdue {
		activity := &overdue[i]
		if activity.OverdueNotifiedAt != nil {
			continue
		}

		recipients := make([]string, 0, len(activity.Requesters))
		for _, r := range activity.Requesters {
			if r.Email != "" {
				recipients = append(recipients, r.Email)
			}
		}
		if len(recipients) == 0 {
			continue
		}

		activity.OverdueNotifiedAt = &now
		if err := store.SaveActivity(ctx, activity); err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				log.Error("failed to mark activity %d as chased: %s", activity.Key, err)
			}
			continue
		}

		m := mail.Mail{
			To:      recipients,
			Subject: fmt.Sprintf("Protocol %s is overdue", activity.Protocol),
			HTML: fmt.Sprintf("<p>The request <strong>%s</strong> (protocol %s) passed its due date of %s and is still open.</p>",
				activity.Name, activity.Protocol, activity.DueDate.Format("2006-01-02")),
		}
		if err := s.mailer.Send(ctx, m); err != nil {
			log.Error("failed to chase overdue activity %d: %s", activity.Key, err)
		}
	}
}
