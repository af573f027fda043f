package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/internal/observability"
	"github.com/bookgen/api/internal/taskqueue"
)

// AdminAlerter sends operator alerts.
type AdminAlerter interface {
	SendAdminAlert(ctx context.Context, title, message, severity string, t notify.Targets) []model.NotificationRecord
}

// MonitorWorker serves the periodic heartbeat and result cleanup jobs. A
// heartbeat that sees the dead letter store grow raises an admin alert.
type MonitorWorker struct {
	dead    taskqueue.DeadLetterLister
	cleaner taskqueue.ResultCleaner
	metrics *observability.Metrics
	alerter AdminAlerter
	targets notify.Targets
	log     *logger.Logger

	mu       sync.Mutex
	lastDead int
}

// NewMonitorWorker creates a monitor worker. metrics and alerter may be nil.
func NewMonitorWorker(dead taskqueue.DeadLetterLister, cleaner taskqueue.ResultCleaner, metrics *observability.Metrics, alerter AdminAlerter, targets notify.Targets, log *logger.Logger) *MonitorWorker {
	if log == nil {
		log = logger.Nop()
	}
	return &MonitorWorker{
		dead:    dead,
		cleaner: cleaner,
		metrics: metrics,
		alerter: alerter,
		targets: targets,
		log:     log.With("component", "monitor_worker"),
	}
}

// Register binds the heartbeat and cleanup handlers.
func (w *MonitorWorker) Register(r Registrar) {
	for name, h := range taskqueue.MonitoringHandlers(w.dead, w.cleaner, w.beat, w.log) {
		r.Register(name, h)
	}
}

func (w *MonitorWorker) beat(hb taskqueue.Heartbeat) {
	w.metrics.SetDeadLetters(hb.DeadLetters)

	w.mu.Lock()
	grown := hb.DeadLetters - w.lastDead
	w.lastDead = hb.DeadLetters
	w.mu.Unlock()

	if grown <= 0 || w.alerter == nil {
		return
	}
	w.log.Warn("dead letter store grew", "new", grown, "total", hb.DeadLetters)
	w.alerter.SendAdminAlert(context.Background(), "Dead-lettered tasks",
		fmt.Sprintf("%d task(s) exhausted their retries since the last heartbeat; %d in total.", grown, hb.DeadLetters),
		"medium", w.targets)
}
