// Package policy enforces the privacy policy and manages its versions.
package policy

import (
	"dpledger/internal/core"
)

// Enforcer evaluates requests against one policy snapshot. It has no side
// effects; take a fresh Enforcer per request so every check in that request
// sees the same version.
type Enforcer struct {
	policy core.Policy
}

func NewEnforcer(p core.Policy) Enforcer {
	return Enforcer{policy: p}
}

func (e Enforcer) Policy() core.Policy { return e.policy }

// Validate runs the checks that need only the request: mechanism whitelist,
// restricted columns and the per-query epsilon ceiling, in that order.
func (e Enforcer) Validate(q core.QueryRequest) error {
	if !e.policy.Allows(q.Mechanism) {
		return core.ErrRejected("mechanism not permitted: %s", q.Mechanism)
	}
	if q.Type.NeedsColumn() && e.policy.Restricts(q.Column) {
		return core.ErrRejected("column access denied: %s", q.Column)
	}
	if q.Epsilon > e.policy.GlobalEpsilonLimit {
		return core.ErrRejected("epsilon exceeds policy limit of %g", e.policy.GlobalEpsilonLimit)
	}
	return nil
}

// CheckCohort rejects cohorts below the minimum size. The message names the
// threshold only, never the observed size.
func (e Enforcer) CheckCohort(cohortSize int) error {
	if cohortSize < e.policy.MinCohortSize {
		return core.ErrRejected("cohort too small: fewer than %d matching records", e.policy.MinCohortSize)
	}
	return nil
}

// CheckRate rejects when the account already has max_queries_per_hour grants
// in the trailing hour.
func (e Enforcer) CheckRate(recentGrants int) error {
	if recentGrants >= e.policy.MaxQueriesPerHour {
		return core.ErrRejected("rate limit exceeded: %d queries per hour", e.policy.MaxQueriesPerHour)
	}
	return nil
}
