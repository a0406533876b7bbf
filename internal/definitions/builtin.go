// Package definitions owns the workflow templates: the built-in campaigns,
// YAML documents loaded from disk, and seeding both into the store.
package definitions

import (
	"time"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

func ms(d time.Duration) int64 { return d.Milliseconds() }

func boolPtr(v bool) *bool { return &v }

// Builtin returns fresh copies of the campaigns shipped with the binary.
func Builtin() []workflow.Definition {
	return []workflow.Definition{
		{
			Type:        "account_growth",
			Name:        "Account growth",
			Description: "Warm up a new account, refresh its content, then run capped daily batches",
			MaxRetries:  3,
			Steps: []workflow.Step{
				{ID: "settle", Name: "Let the import settle", Action: workflow.ActionWait, DelayMs: ms(30 * time.Minute)},
				{ID: "bio", Name: "Refresh bio", Action: workflow.ActionGenerateContentA, Critical: true},
				{ID: "cooldown", Name: "Cool down", Action: workflow.ActionWait, DelayMs: ms(2 * time.Hour)},
				{ID: "prompts", Name: "Refresh profile prompts", Action: workflow.ActionGenerateContentB, Critical: true},
				{
					ID: "first_batch", Name: "First batch", Action: workflow.ActionRunBatch, DelayMs: ms(10 * time.Minute), Critical: true,
					Params: workflow.StepParams{BatchSize: 20, MinCount: 10, MaxCount: 30},
				},
				{ID: "rest", Name: "Rest", Action: workflow.ActionWait, DelayMs: ms(6 * time.Hour)},
				{
					ID: "daily_batch", Name: "Daily batch", Action: workflow.ActionRunBatch,
					Params: workflow.StepParams{BatchSize: 25, MinCount: 20, MaxCount: 40},
				},
				{
					ID: "next_day", Name: "Repeat tomorrow", Action: workflow.ActionGoto, DelayMs: ms(24 * time.Hour),
					Params: workflow.StepParams{NextStepID: "daily_batch", InfiniteAllowed: boolPtr(false), MaxIterations: 6},
				},
			},
		},
		{
			Type:        "continuous_engagement",
			Name:        "Continuous engagement",
			Description: "Alternate the continuous action on and off at randomized intervals, indefinitely",
			MaxRetries:  5,
			Steps: []workflow.Step{
				{
					ID: "switch_on", Name: "Switch on", Action: workflow.ActionContinuousOn, Critical: true,
					Params: workflow.StepParams{MinIntervalMs: ms(30 * time.Minute), MaxIntervalMs: ms(90 * time.Minute)},
				},
				{
					ID: "side_batch", Name: "Side batch", Action: workflow.ActionRunBatch, Parallel: true,
					Params: workflow.StepParams{BatchSize: 10, MinCount: 5, MaxCount: 15},
				},
				{
					ID: "switch_off", Name: "Switch off", Action: workflow.ActionContinuousOff, Critical: true,
					Params: workflow.StepParams{MinIntervalMs: ms(2 * time.Hour), MaxIntervalMs: ms(4 * time.Hour)},
				},
				{
					ID: "again", Name: "Again", Action: workflow.ActionGoto,
					Params: workflow.StepParams{NextStepID: "switch_on"},
				},
			},
		},
	}
}
