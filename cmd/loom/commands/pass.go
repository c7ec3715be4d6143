package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/loomctl/loom/pkg/engine"
	"github.com/loomctl/loom/pkg/stores"
	"github.com/loomctl/loom/pkg/telemetry"
)

// executePass runs one apply or destroy pass: policy gate, execution, run
// recording and telemetry. The outcome is printed even when nodes failed,
// one pass yields maximal useful progress.
func executePass(ctx context.Context, rt *runtime, plan *engine.Plan) error {
	if err := rt.gatePlan(ctx, plan); err != nil {
		return err
	}

	started := time.Now()
	rt.tel.Metrics.RecordRunStarted(plan.Direction)
	spanCtx, span := rt.tel.Tracer.StartPassSpan(ctx, plan.ID, string(plan.Direction))

	var outcome *engine.Outcome
	var execErr error
	switch plan.Direction {
	case engine.DirectionApply:
		outcome, execErr = rt.orchestrator.Apply(spanCtx, plan)
	case engine.DirectionDestroy:
		outcome, execErr = rt.orchestrator.Destroy(spanCtx, plan)
	default:
		execErr = fmt.Errorf("unknown plan direction %q", plan.Direction)
	}

	status := stores.RunStatusCompleted
	switch {
	case engine.IsKind(execErr, engine.ErrCancelled):
		status = stores.RunStatusCancelled
	case execErr != nil || (outcome != nil && outcome.Failed > 0):
		status = stores.RunStatusFailed
	}

	if execErr != nil {
		telemetry.RecordError(span, execErr)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
	rt.tel.Metrics.RecordRunCompleted(plan.Direction, string(status), time.Since(started))

	if outcome != nil {
		recordRun(ctx, rt, plan, outcome, status, execErr)
		if err := printOutcome(outcome); err != nil {
			return err
		}
	}

	if execErr != nil {
		return execErr
	}
	if outcome != nil && outcome.Failed > 0 {
		return fmt.Errorf("%d node(s) failed", outcome.Failed)
	}
	return nil
}

// recordRun persists the run history. Failures here are logged, not fatal:
// the pass already happened and its node state is durable.
func recordRun(ctx context.Context, rt *runtime, plan *engine.Plan, outcome *engine.Outcome, status stores.RunStatus, execErr error) {
	log := rt.tel.Logger.NewComponentLogger("run-history")

	run := &stores.Run{
		ID:        outcome.RunID,
		PlanID:    plan.ID,
		Direction: plan.Direction,
		Status:    stores.RunStatusRunning,
		StartedAt: outcome.StartedAt,
	}
	if err := rt.store.CreateRun(ctx, run); err != nil {
		log.WithError(err).Warn("failed to record run")
		return
	}

	var errMsg *string
	if execErr != nil {
		msg := execErr.Error()
		errMsg = &msg
	}
	if err := rt.store.CompleteRun(ctx, outcome.RunID, status, outcome.Succeeded, outcome.Failed, errMsg); err != nil {
		log.WithError(err).Warn("failed to complete run record")
	}
	if err := rt.store.RecordRunNodes(ctx, outcome.RunID, outcome.Nodes); err != nil {
		log.WithError(err).Warn("failed to record run nodes")
	}
}

// printOutcome renders the per-node results of a pass.
func printOutcome(outcome *engine.Outcome) error {
	if jsonOutput {
		return printJSON(outcome)
	}

	fmt.Printf("\nRun %s (%s): %d succeeded, %d failed",
		outcome.RunID, outcome.Direction, outcome.Succeeded, outcome.Failed)
	if outcome.Unscheduled > 0 {
		fmt.Printf(", %d unscheduled", outcome.Unscheduled)
	}
	fmt.Printf(" in %s\n", outcome.CompletedAt.Sub(outcome.StartedAt).Round(time.Millisecond))

	for _, report := range outcome.Nodes {
		line := fmt.Sprintf("  %-12s %s (%s)", report.Status, report.ID, report.Kind)
		if report.ErrorMessage != "" {
			line += fmt.Sprintf("  [%s] %s", report.ErrorKind, report.ErrorMessage)
		}
		fmt.Println(line)
	}
	return nil
}
