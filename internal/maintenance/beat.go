package maintenance

import (
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Enqueuer publishes the periodic cleanup task.
type Enqueuer interface {
	EnqueueCleanup(ctx context.Context) (string, error)
}

// Beat publishes cleanup_old_results on a cron schedule. It never runs the sweep itself.
type Beat struct {
	cron     *cron.Cron
	schedule string
	enqueuer Enqueuer
	log      *logger.Logger
}

// ParseSchedule accepts 5-field cron specs and descriptors such as "@hourly" or "@every 1h".
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	return cron.ParseStandard(s)
}

func NewBeat(schedule string, enqueuer Enqueuer, log *logger.Logger) (*Beat, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("解析清理任务调度 %q 失败: %w", schedule, err)
	}
	b := &Beat{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
		enqueuer: enqueuer,
		log:      log,
	}
	b.cron.Schedule(sched, cron.FuncJob(b.tick))
	return b, nil
}

func (b *Beat) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	id, err := b.enqueuer.EnqueueCleanup(ctx)
	if err != nil {
		b.log.WithError(models.NewErrorInfo(err, "queue_error")).Error("Failed to publish cleanup task")
		return
	}
	b.log.WithPayload(map[string]interface{}{"task_id": id}).Info("Cleanup task published")
}

// Run starts the schedule and blocks until ctx ends. A tick in progress is waited for.
func (b *Beat) Run(ctx context.Context) error {
	b.log.WithPayload(map[string]interface{}{"schedule": b.schedule}).Info("Beat started")
	b.cron.Start()
	<-ctx.Done()
	<-b.cron.Stop().Done()
	b.log.Info("Beat stopped")
	return nil
}
