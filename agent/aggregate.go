package agent

import (
	"sync"
	"time"
)

// maxErrorSamples bounds the recent-error ring kept per aggregator.
const maxErrorSamples = 20

// GoalProgress is a snapshot of cumulative goal progress.
type GoalProgress struct {
	GoalID      string    `json:"goal_id,omitempty"`
	Total       int       `json:"total"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	SuccessRate float64   `json:"success_rate"`
	LastUpdated time.Time `json:"last_updated"`

	// CriteriaProgress reports per-criterion success counts. Criteria are
	// matched advisorily: a criterion counts as advanced by every
	// successful execution.
	CriteriaProgress map[string]int `json:"criteria_progress,omitempty"`

	// RecentErrors holds the most recent failure messages, newest last.
	RecentErrors []string `json:"recent_errors,omitempty"`
}

// AggregatorStats are the raw totals.
type AggregatorStats struct {
	TotalExecutions int     `json:"total_executions"`
	Successes       int     `json:"successes"`
	Failures        int     `json:"failures"`
	TimedOut        int     `json:"timed_out"`
	Cancelled       int     `json:"cancelled"`
	TotalRetries    int     `json:"total_retries"`
	AvgStepsPerRun  float64 `json:"avg_steps_per_run"`
}

// Aggregator tracks cumulative goal progress across executions on one
// runtime instance. It is advisory only: it never blocks execution and
// never feeds back into routing.
type Aggregator struct {
	goal *Goal

	mu           sync.Mutex
	total        int
	successes    int
	failures     int
	timedOut     int
	cancelled    int
	totalRetries int
	totalSteps   int
	criteria     map[string]int
	recentErrors []string
	lastUpdated  time.Time
}

// NewAggregator creates an Aggregator for the goal. A nil goal still
// counts outcomes; criterion progress stays empty.
func NewAggregator(goal *Goal) *Aggregator {
	a := &Aggregator{goal: goal, criteria: make(map[string]int)}
	if goal != nil {
		for _, c := range goal.SuccessCriteria {
			a.criteria[c] = 0
		}
	}
	return a
}

// RecordExecution folds one finished execution into the totals.
func (a *Aggregator) RecordExecution(res *ExecutionResult) {
	if res == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.totalRetries += res.TotalRetries
	a.totalSteps += res.StepsExecuted
	a.lastUpdated = time.Now()

	switch res.Status {
	case StatusTimedOut:
		a.timedOut++
		a.failures++
	case StatusCancelled:
		a.cancelled++
		a.failures++
	default:
		if res.Success {
			a.successes++
			for c := range a.criteria {
				a.criteria[c]++
			}
		} else {
			a.failures++
		}
	}

	if !res.Success && res.Error != "" {
		a.recentErrors = append(a.recentErrors, res.Error)
		if len(a.recentErrors) > maxErrorSamples {
			a.recentErrors = a.recentErrors[len(a.recentErrors)-maxErrorSamples:]
		}
	}
}

// EvaluateGoalProgress returns the current snapshot.
func (a *Aggregator) EvaluateGoalProgress() GoalProgress {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := GoalProgress{
		Total:       a.total,
		Successes:   a.successes,
		Failures:    a.failures,
		LastUpdated: a.lastUpdated,
	}
	if a.goal != nil {
		p.GoalID = a.goal.ID
	}
	if a.total > 0 {
		p.SuccessRate = float64(a.successes) / float64(a.total)
	}
	if len(a.criteria) > 0 {
		p.CriteriaProgress = make(map[string]int, len(a.criteria))
		for c, n := range a.criteria {
			p.CriteriaProgress[c] = n
		}
	}
	if len(a.recentErrors) > 0 {
		p.RecentErrors = append([]string(nil), a.recentErrors...)
	}
	return p
}

// GetStats returns the raw totals.
func (a *Aggregator) GetStats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := AggregatorStats{
		TotalExecutions: a.total,
		Successes:       a.successes,
		Failures:        a.failures,
		TimedOut:        a.timedOut,
		Cancelled:       a.cancelled,
		TotalRetries:    a.totalRetries,
	}
	if a.total > 0 {
		s.AvgStepsPerRun = float64(a.totalSteps) / float64(a.total)
	}
	return s
}
