// Package durable hosts the pipeline on a durable-execution engine
// (Temporal). The workflow is a thin driver: it schedules one advance
// activity per phase and lets the Machine do all checkpointing through the
// Run State Store. Durability therefore does not depend on workflow history:
// after a replay the Machine trusts the last checkpointed phase and output
// references, so the workflow and the queue relay drive identical semantics.
package durable

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/postpipe/runtime/pipeline"
)

const (
	// WorkflowName identifies the pipeline workflow on the task queue.
	WorkflowName = "postpipe.run"
	// AdvanceActivityName identifies the advance activity.
	AdvanceActivityName = "postpipe.advance"
	// DefaultTaskQueue is used when no task queue is configured.
	DefaultTaskQueue = "postpipe"

	// workingPhases is the number of advance calls a run needs to reach a
	// terminal phase on the success path (content, media, publish).
	workingPhases = 3
)

type (
	// Options configures the Driver.
	Options struct {
		// TaskQueue is the Temporal task queue. Defaults to DefaultTaskQueue.
		TaskQueue string
		// Worker options are forwarded to the Temporal worker.
		Worker worker.Options
	}

	// Driver registers the pipeline workflow and activity on a Temporal
	// worker and starts workflow executions for runs.
	Driver struct {
		client    client.Client
		worker    worker.Worker
		taskQueue string
	}

	// activities holds the machine reference for the advance activity.
	activities struct {
		machine *pipeline.Machine
	}
)

// Advance executes one state-machine step. The envelope, including a failed
// one, is a valid activity result: a failed envelope means the run settled
// in the failed phase, not that the activity should be retried. Only
// transport-level errors (store unavailability) surface as activity errors
// and trigger Temporal's retry policy.
func (a *activities) Advance(ctx context.Context, runTraceID string) (pipeline.Envelope, error) {
	return a.machine.Advance(ctx, runTraceID)
}

// Workflow drives one run to a terminal phase. It is deterministic: all I/O
// happens inside the advance activity, and the loop bound is a constant.
func Workflow(ctx workflow.Context, runTraceID string) (pipeline.Envelope, error) {
	opts := workflow.GetActivityOptions(ctx)
	if opts.StartToCloseTimeout == 0 {
		ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 5 * time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval: time.Second,
				MaximumAttempts: 5,
			},
		})
	}
	var env pipeline.Envelope
	for range workingPhases {
		if err := workflow.ExecuteActivity(ctx, AdvanceActivityName, runTraceID).Get(ctx, &env); err != nil {
			return pipeline.Envelope{}, err
		}
		if env.Status == pipeline.StatusFailed {
			return env, nil
		}
	}
	return env, nil
}

// New builds a Driver over an existing Temporal client, registering the
// workflow and advance activity on a worker bound to the configured task
// queue. Call Start to begin polling and Stop to shut the worker down.
func New(c client.Client, machine *pipeline.Machine, opts Options) *Driver {
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, opts.Worker)
	w.RegisterWorkflowWithOptions(Workflow, workflow.RegisterOptions{Name: WorkflowName})
	acts := &activities{machine: machine}
	w.RegisterActivityWithOptions(acts.Advance, activity.RegisterOptions{Name: AdvanceActivityName})
	return &Driver{client: c, worker: w, taskQueue: taskQueue}
}

// Start begins polling the task queue.
func (d *Driver) Start() error {
	return d.worker.Start()
}

// Stop shuts the worker down.
func (d *Driver) Stop() {
	d.worker.Stop()
}

// Execute starts (or joins, by workflow id) the workflow execution for a run
// previously created with Machine.Start. One workflow execution per run is
// what serializes same-run advances.
func (d *Driver) Execute(ctx context.Context, runTraceID string) (client.WorkflowRun, error) {
	if runTraceID == "" {
		return nil, pipeline.NewError(pipeline.CodeInvalidInput, "runTraceId is required")
	}
	return d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowName + "/" + runTraceID,
		TaskQueue: d.taskQueue,
	}, WorkflowName, runTraceID)
}
