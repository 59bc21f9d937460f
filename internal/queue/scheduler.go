package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/marlinbuild/builder/internal/config"
	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/models"
)

// Scheduler wraps gocron to enqueue channel builds on a cron schedule
type Scheduler struct {
	scheduler  gocron.Scheduler
	store      RunStore
	maxPending int
	onEnqueue  func()
}

// NewScheduler creates a new scheduler instance. onEnqueue, if set, is
// called after a scheduled run was queued.
func NewScheduler(store RunStore, maxPending int, onEnqueue func()) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler:  s,
		store:      store,
		maxPending: maxPending,
		onEnqueue:  onEnqueue,
	}, nil
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	slog.Info("Starting scheduler", slog.Int("jobs", len(s.scheduler.Jobs())))
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler
func (s *Scheduler) Stop() error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// ScheduleRun registers a cron schedule for a channel build and returns the
// job ID
func (s *Scheduler) ScheduleRun(schedule config.Schedule) (string, error) {
	req := models.RunRequest{Channel: schedule.Channel, Ref: schedule.Ref}
	req.Normalize()

	job, err := s.scheduler.NewJob(
		gocron.CronJob(schedule.Cron, false),
		gocron.NewTask(s.enqueue, req),
		gocron.WithName(fmt.Sprintf("%s-%s", req.Channel, req.Ref)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to schedule %s: %w", req.Channel, err)
	}

	slog.Info("Scheduled channel build",
		slog.String("channel", req.Channel),
		slog.String("ref", req.Ref),
		slog.String("cron", schedule.Cron))

	return job.ID().String(), nil
}

// ScheduleEvery runs task at a fixed interval
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, task func()) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("interval must be positive")
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
	)
	if err != nil {
		return "", fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return job.ID().String(), nil
}

// enqueue is called by gocron when a schedule fires
func (s *Scheduler) enqueue(req models.RunRequest) {
	slog.Info("Executing scheduled run", slog.String("channel", req.Channel), slog.String("ref", req.Ref))

	_, created, err := Enqueue(s.store, req, s.maxPending)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			slog.Warn("Skipping scheduled run, queue is full", slog.String("channel", req.Channel))
			return
		}
		slog.Error("Failed to enqueue scheduled run", slog.String("channel", req.Channel), logging.Error(err))
		return
	}
	if created && s.onEnqueue != nil {
		s.onEnqueue()
	}
}
