package orchestrator

import (
	"fmt"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/core"
)

// outcome is the final result of one agent spec after retries.
type outcome struct {
	role   string
	result agent.Result
	err    error
}

// collector folds run outcomes according to an aggregation policy.
type collector struct {
	policy  Policy
	quorum  int
	total   int
	reducer Reducer

	successes []agent.Result // completion order
	failures  []error
}

func newCollector(cfg Config, reducer Reducer) *collector {
	return &collector{
		policy:  cfg.Policy,
		quorum:  cfg.Quorum,
		total:   len(cfg.Agents),
		reducer: reducer,
	}
}

// observe records an outcome and reports whether the task outcome is
// decided.
func (c *collector) observe(o outcome) bool {
	if o.err == nil {
		c.successes = append(c.successes, o.result)
	} else {
		c.failures = append(c.failures, o.err)
	}
	finished := len(c.successes) + len(c.failures)

	switch c.policy {
	case PolicyFirstSuccess:
		return len(c.successes) > 0 || finished == c.total
	case PolicyAllMustSucceed:
		return len(c.failures) > 0 || finished == c.total
	case PolicyQuorum:
		return len(c.successes) >= c.quorum || c.total-len(c.failures) < c.quorum
	default:
		return finished == c.total
	}
}

// result computes the task result from the observed outcomes.
func (c *collector) result() (string, error) {
	switch c.policy {
	case PolicyFirstSuccess:
		if len(c.successes) > 0 {
			return c.successes[0].Text, nil
		}
	case PolicyAllMustSucceed:
		if len(c.failures) == 0 && len(c.successes) > 0 {
			return c.reducer.Reduce(c.successes)
		}
	case PolicyBestEffort:
		if len(c.successes) > 0 {
			return c.reducer.Reduce(c.successes)
		}
	case PolicyQuorum:
		if len(c.successes) >= c.quorum {
			return c.reducer.Reduce(c.successes[:c.quorum])
		}
		return "", &core.AggregationError{
			Policy: string(PolicyQuorum),
			Reason: fmt.Sprintf("%d of %d runs succeeded, quorum is %d", len(c.successes), c.total, c.quorum),
		}
	}

	if len(c.failures) > 0 {
		return "", c.failures[0]
	}
	return "", &core.AggregationError{Policy: string(c.policy), Reason: "no runs finished"}
}
