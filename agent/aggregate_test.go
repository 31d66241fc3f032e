package agent

import (
	"fmt"
	"testing"
)

func TestAggregatorRecordExecution(t *testing.T) {
	goal := &Goal{ID: "resolve", SuccessCriteria: []string{"answered", "logged"}}

	t.Run("successes advance criteria", func(t *testing.T) {
		a := NewAggregator(goal)
		a.RecordExecution(&ExecutionResult{Status: StatusCompleted, Success: true})
		a.RecordExecution(&ExecutionResult{Status: StatusCompleted, Success: true})

		p := a.EvaluateGoalProgress()
		if p.GoalID != "resolve" || p.Total != 2 || p.Successes != 2 || p.Failures != 0 {
			t.Errorf("progress = %+v", p)
		}
		if p.SuccessRate != 1 {
			t.Errorf("success rate = %v", p.SuccessRate)
		}
		if p.CriteriaProgress["answered"] != 2 || p.CriteriaProgress["logged"] != 2 {
			t.Errorf("criteria = %v", p.CriteriaProgress)
		}
	})

	t.Run("timeouts and cancellations count as failures", func(t *testing.T) {
		a := NewAggregator(goal)
		a.RecordExecution(&ExecutionResult{Status: StatusTimedOut})
		a.RecordExecution(&ExecutionResult{Status: StatusCancelled})
		a.RecordExecution(&ExecutionResult{Status: StatusFailed, Error: "node broke"})

		s := a.GetStats()
		if s.Failures != 3 || s.TimedOut != 1 || s.Cancelled != 1 {
			t.Errorf("stats = %+v", s)
		}
		p := a.EvaluateGoalProgress()
		if p.SuccessRate != 0 {
			t.Errorf("success rate = %v", p.SuccessRate)
		}
		if len(p.RecentErrors) != 1 || p.RecentErrors[0] != "node broke" {
			t.Errorf("recent errors = %v", p.RecentErrors)
		}
	})

	t.Run("recent errors ring is bounded", func(t *testing.T) {
		a := NewAggregator(nil)
		for i := 0; i < maxErrorSamples+5; i++ {
			a.RecordExecution(&ExecutionResult{
				Status: StatusFailed,
				Error:  fmt.Sprintf("err-%d", i),
			})
		}
		p := a.EvaluateGoalProgress()
		if len(p.RecentErrors) != maxErrorSamples {
			t.Fatalf("kept %d errors, want %d", len(p.RecentErrors), maxErrorSamples)
		}
		if p.RecentErrors[len(p.RecentErrors)-1] != fmt.Sprintf("err-%d", maxErrorSamples+4) {
			t.Errorf("newest error = %s", p.RecentErrors[len(p.RecentErrors)-1])
		}
	})

	t.Run("nil goal and nil results tolerated", func(t *testing.T) {
		a := NewAggregator(nil)
		a.RecordExecution(nil)
		a.RecordExecution(&ExecutionResult{Status: StatusCompleted, Success: true})

		p := a.EvaluateGoalProgress()
		if p.Total != 1 || p.GoalID != "" || p.CriteriaProgress != nil {
			t.Errorf("progress = %+v", p)
		}
	})

	t.Run("averages steps and sums retries", func(t *testing.T) {
		a := NewAggregator(nil)
		a.RecordExecution(&ExecutionResult{Status: StatusCompleted, Success: true, StepsExecuted: 2, TotalRetries: 1})
		a.RecordExecution(&ExecutionResult{Status: StatusCompleted, Success: true, StepsExecuted: 4, TotalRetries: 2})

		s := a.GetStats()
		if s.AvgStepsPerRun != 3 {
			t.Errorf("avg steps = %v, want 3", s.AvgStepsPerRun)
		}
		if s.TotalRetries != 3 {
			t.Errorf("retries = %d, want 3", s.TotalRetries)
		}
	})
}
