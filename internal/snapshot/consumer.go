package snapshot

import (
	"log/slog"

	"github.com/xixigan/Good-GYM/internal/pipeline"
)

// MilestoneConsumer saves a snapshot for every milestone result and then
// hands everything on to the wrapped consumer.
type MilestoneConsumer struct {
	next  pipeline.Consumer
	saver *Saver
}

// Wrap decorates next with milestone snapshots.
func Wrap(next pipeline.Consumer, saver *Saver) *MilestoneConsumer {
	return &MilestoneConsumer{next: next, saver: saver}
}

func (c *MilestoneConsumer) OnFrameResult(r pipeline.FrameResult) {
	if r.Milestone {
		path, err := c.saver.Save(r)
		if err != nil {
			slog.Warn("snapshot: failed to save milestone", "count", r.Count, "error", err)
		} else {
			slog.Info("snapshot: milestone saved", "exercise", r.Exercise.String(), "count", r.Count, "path", path)
		}
	}
	c.next.OnFrameResult(r)
}

func (c *MilestoneConsumer) OnStreamEnded() {
	c.next.OnStreamEnded()
}

func (c *MilestoneConsumer) OnPipelineError(err error) {
	c.next.OnPipelineError(err)
}
