package main

import (
	"context"
	"errors"
	"log/slog"

	"interview-analytics/internal/queue"
)

// Processor does the stage-specific work for one task: transcription,
// enhancement, report building, delivery or retention. The implementations
// live with the pipeline services and are registered through pipeline.Use.
type Processor func(ctx context.Context, task *queue.Task) error

// next maps a stage to the stage it hands meetings over to.
var next = map[string]queue.Stage{
	queue.StageSTT.Name:       queue.StageEnhancer,
	queue.StageEnhancer.Name:  queue.StageAnalytics,
	queue.StageAnalytics.Name: queue.StageDelivery,
}

// pipeline builds the queue handlers of every stage: run the stage's
// processor, then forward the meeting to the following stage.
type pipeline struct {
	dispatcher *queue.Dispatcher
	logger     *slog.Logger
	processors map[string]Processor
}

func newPipeline(dispatcher *queue.Dispatcher, logger *slog.Logger) *pipeline {
	return &pipeline{
		dispatcher: dispatcher,
		logger:     logger,
		processors: make(map[string]Processor),
	}
}

// Use registers the processor of stage, replacing the pass-through default.
func (p *pipeline) Use(stage queue.Stage, fn Processor) {
	p.processors[stage.Name] = fn
}

func (p *pipeline) handler(stage queue.Stage) queue.Handler {
	process, ok := p.processors[stage.Name]
	if !ok {
		process = p.passThrough(stage)
	}
	following, forwards := next[stage.Name]
	return func(ctx context.Context, task *queue.Task) error {
		if err := process(ctx, task); err != nil {
			return err
		}
		if !forwards {
			return nil
		}
		meetingID := task.MeetingID()
		if meetingID == "" {
			return errors.New("task has no meeting_id to forward")
		}
		_, err := p.forward(ctx, following, meetingID)
		return err
	}
}

func (p *pipeline) forward(ctx context.Context, stage queue.Stage, meetingID string) (string, error) {
	switch stage.Name {
	case queue.StageEnhancer.Name:
		return p.dispatcher.EnqueueEnhancer(ctx, meetingID)
	case queue.StageAnalytics.Name:
		return p.dispatcher.EnqueueAnalytics(ctx, meetingID)
	default:
		return p.dispatcher.EnqueueDelivery(ctx, meetingID)
	}
}

// passThrough stands in for stages whose service is not linked into this
// binary. Retention only records what it would clean up.
func (p *pipeline) passThrough(stage queue.Stage) Processor {
	return func(ctx context.Context, task *queue.Task) error {
		if stage.Name == queue.StageRetention.Name {
			p.logger.InfoContext(ctx, "retention requested",
				"entity_type", task.String("entity_type"),
				"entity_id", task.String("entity_id"),
				"reason", task.String("reason"),
			)
			return nil
		}
		p.logger.DebugContext(ctx, "no processor registered, forwarding", "queue", stage.Queue, "event_id", task.EventID)
		return nil
	}
}
