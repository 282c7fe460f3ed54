package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/capture"
)

// TaskEvent is published after every resolution.
type TaskEvent struct {
	TaskID     string             `json:"task_id"`
	SourceURL  string             `json:"source_url"`
	WorkerID   string             `json:"worker_id"`
	Status     capture.TaskStatus `json:"status"`
	Artifacts  []ArtifactRecord   `json:"artifacts"`
	Error      string             `json:"error,omitempty"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// publish is best effort: the ledger is the source of truth.
func (w *Worker) publish(ctx context.Context, logger *zap.Logger, task capture.Task, outcome capture.Outcome, artifacts []ArtifactRecord) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	if artifacts == nil {
		artifacts = []ArtifactRecord{}
	}
	event := TaskEvent{
		TaskID:     task.ID,
		SourceURL:  task.SourceURL,
		WorkerID:   w.deps.Leases.WorkerID(),
		Status:     outcome.Status(),
		Artifacts:  artifacts,
		Error:      outcome.Message,
		ResolvedAt: w.deps.Clock.Now(),
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish task event failed", zap.String("topic", w.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("published task event", zap.String("topic", w.cfg.Topic), zap.String("message_id", id))
}
