package queue

import "time"

// Stage names one step of the recording pipeline and where its tasks live.
type Stage struct {
	Name     string
	Queue    string
	Group    string
	IDPrefix string
	// Retry is the stage's default policy. Deployments may override it.
	Retry RetryPolicy
}

// Pipeline stages in processing order.
var (
	StageSTT = Stage{
		Name: "stt", Queue: "q:stt", Group: "g:stt", IDPrefix: "stt",
		Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
	}
	StageEnhancer = Stage{
		Name: "enhancer", Queue: "q:enhancer", Group: "g:enhancer", IDPrefix: "enh",
		Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
	}
	StageAnalytics = Stage{
		Name: "analytics", Queue: "q:analytics", Group: "g:analytics", IDPrefix: "anl",
		Retry: RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second},
	}
	StageDelivery = Stage{
		Name: "delivery", Queue: "q:delivery", Group: "g:delivery", IDPrefix: "dlv",
		Retry: RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second},
	}
	StageRetention = Stage{
		Name: "retention", Queue: "q:retention", Group: "g:retention", IDPrefix: "ret",
		Retry: RetryPolicy{MaxAttempts: 3, Backoff: 3 * time.Second},
	}
)

// Stages returns every pipeline stage.
func Stages() []Stage {
	return []Stage{StageSTT, StageEnhancer, StageAnalytics, StageDelivery, StageRetention}
}

// LookupStage finds a stage by name or queue name.
func LookupStage(name string) (Stage, bool) {
	for _, stage := range Stages() {
		if stage.Name == name || stage.Queue == name {
			return stage, true
		}
	}
	return Stage{}, false
}

func prefixFor(queue string) string {
	if stage, ok := LookupStage(queue); ok {
		return stage.IDPrefix
	}
	return ""
}

// RetryPolicy bounds how often a failing task is retried. MaxAttempts counts
// handler executions: the task is dead-lettered after the MaxAttempts-th
// failure.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy is applied to stages without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: time.Second}

// budget converts the policy to the retry count understood by
// RetryWithBackoff.
func (p RetryPolicy) budget() int {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return p.MaxAttempts - 1
}
