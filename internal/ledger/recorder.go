package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/event"
)

// Recorder appends one step per orchestrator or scheduler event
type Recorder struct {
	ledger *Ledger
	logger *zap.SugaredLogger
}

// NewRecorder creates a recorder writing into ledger
func NewRecorder(ledger *Ledger, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{ledger: ledger, logger: logger}
}

// Attach subscribes the recorder to every event on the bus
func (r *Recorder) Attach(bus *event.Bus) (detach func()) {
	return bus.Subscribe("*", r.Record)
}

// Record converts an event into a step. Events with no step mapping are ignored.
func (r *Recorder) Record(evt *event.Event) {
	step, ok := stepFromEvent(evt)
	if !ok {
		return
	}
	if err := r.ledger.AddStep(step); err != nil {
		r.logger.Warnw("Failed to record step", "event_type", evt.Type, "error", err)
	}
}

func stepFromEvent(evt *event.Event) (Step, bool) {
	step := Step{
		ID:   uuid.New().String(),
		Tags: []string{evt.Type},
	}

	switch evt.Type {
	case event.TypeFlowInput:
		step.Type = StepSystem
		step.Content = fmt.Sprintf("received content %s from %s", evt.ContentID, evt.Source)
		step.System = &SystemDetail{Source: evt.Source}
	case event.TypeFlowOutput, event.TypeFlowAction:
		step.Type = StepAction
		step.Content = fmt.Sprintf("dispatched %s", evt.Handler)
		step.Action = &ActionDetail{
			Handler: evt.Handler,
			Input:   evt.Data["input"],
			Result:  evt.Data["result"],
		}
	case event.TypeHandlerMissing:
		step.Type = StepAction
		step.Content = fmt.Sprintf("no handler named %s", evt.Handler)
		step.Action = &ActionDetail{Handler: evt.Handler, Error: "handler not found"}
	case event.TypeTasksScheduled:
		step.Type = StepPlanning
		step.Content = fmt.Sprintf("scheduled %v task(s)", evt.Data["count"])
		step.Planning = &PlanningDetail{Plan: step.Content}
	case event.TypeTaskStarted, event.TypeTaskFinished, event.TypeTaskFailed:
		step.Type = StepTask
		step.Content = fmt.Sprintf("task %s %s", evt.TaskID, evt.Type)
		status, _ := evt.Data["status"].(string)
		step.Task = &TaskDetail{TaskID: evt.TaskID, HandlerName: evt.Handler, Status: status}
	default:
		return Step{}, false
	}
	return step, true
}
