package workflow

import (
	"fmt"
	"time"

	"github.com/roea-ai/reel/pkg/types"
)

// BuildReport summarises a terminal run.
func BuildReport(run *types.WorkflowRun, totalSteps int, cfg types.WorkflowConfig) *types.WorkflowReport {
	now := time.Now()
	report := &types.WorkflowReport{
		RunID:       run.ID,
		Definition:  run.Definition,
		Status:      run.Status,
		TotalSteps:  totalSteps,
		Executed:    len(run.Steps),
		GeneratedAt: now,
	}

	for _, s := range run.Steps {
		switch {
		case s.Resolution == types.ResolvedSkip:
			report.Skipped++
		case s.Resolution == types.ResolvedSubstitute:
			report.Substituted++
			report.Succeeded++
		case s.Error != "" && s.Resolution == "":
			report.Failed++
		case s.Result.OK():
			report.Succeeded++
		default:
			report.Failed++
		}
		if s.Result != nil {
			report.Warnings = append(report.Warnings, s.Result.Warnings...)
		}
	}

	start := run.SubmittedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	end := now
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	report.Duration = types.Duration(end.Sub(start))

	if report.Failed > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d step(s) failed; check the agents' logs and recovery strategies", report.Failed))
	}
	if cfg.DurationCeiling > 0 && end.Sub(start) > cfg.DurationCeiling {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("run took %s, longer than %s; consider more agent instances", end.Sub(start).Round(time.Second), cfg.DurationCeiling))
	}
	if cfg.WarningCeiling > 0 && len(report.Warnings) > cfg.WarningCeiling {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d warnings raised; review input quality", len(report.Warnings)))
	}
	if run.Status == types.RunRecovered {
		report.Recommendations = append(report.Recommendations,
			"run needed recovery; results may contain substituted or skipped steps")
	}
	return report
}
