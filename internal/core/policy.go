package core

import (
	"slices"
	"strings"
	"time"
)

// Policy is an immutable, versioned privacy policy. Callers never mutate a
// Policy obtained from the store; updates produce a new version.
type Policy struct {
	Version            int64       `json:"version" yaml:"-"`
	GlobalEpsilonLimit float64     `json:"global_epsilon_limit" yaml:"global_epsilon_limit"`
	MaxQueriesPerHour  int         `json:"max_queries_per_hour" yaml:"max_queries_per_hour"`
	AllowedMechanisms  []Mechanism `json:"allowed_mechanisms" yaml:"allowed_mechanisms"`
	RestrictedColumns  []string    `json:"restricted_columns" yaml:"restricted_columns"`
	MinCohortSize      int         `json:"min_cohort_size" yaml:"min_cohort_size"`
	UpdatedAt          time.Time   `json:"updated_at" yaml:"-"`
	UpdatedBy          string      `json:"updated_by,omitempty" yaml:"-"`
}

// DefaultPolicy is the policy in effect before any version is stored.
func DefaultPolicy() Policy {
	return Policy{
		GlobalEpsilonLimit: 5.0,
		MaxQueriesPerHour:  100,
		AllowedMechanisms:  []Mechanism{MechanismLaplace, MechanismGaussian, MechanismExponential},
		RestrictedColumns:  []string{"ssn", "patient_id", "diagnosis"},
		MinCohortSize:      10,
	}
}

// Normalize lowercases and sorts set fields and removes duplicates.
func (p Policy) Normalize() Policy {
	mechs := make([]Mechanism, 0, len(p.AllowedMechanisms))
	for _, m := range p.AllowedMechanisms {
		mechs = append(mechs, Mechanism(strings.ToLower(strings.TrimSpace(string(m)))))
	}
	slices.Sort(mechs)
	p.AllowedMechanisms = slices.Compact(mechs)

	cols := make([]string, 0, len(p.RestrictedColumns))
	for _, c := range p.RestrictedColumns {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			cols = append(cols, c)
		}
	}
	slices.Sort(cols)
	p.RestrictedColumns = slices.Compact(cols)
	return p
}

func (p Policy) Validate() error {
	if !finitePositive(p.GlobalEpsilonLimit) {
		return ErrInvalid("global_epsilon_limit must be a positive number")
	}
	if p.MaxQueriesPerHour < 1 {
		return ErrInvalid("max_queries_per_hour must be at least 1")
	}
	if p.MinCohortSize < 1 {
		return ErrInvalid("min_cohort_size must be at least 1")
	}
	if len(p.AllowedMechanisms) == 0 {
		return ErrInvalid("allowed_mechanisms must not be empty")
	}
	for _, m := range p.AllowedMechanisms {
		if _, err := ParseMechanism(string(m)); err != nil {
			return err
		}
	}
	return nil
}

func (p Policy) Allows(m Mechanism) bool {
	return slices.Contains(p.AllowedMechanisms, m)
}

func (p Policy) Restricts(column string) bool {
	return slices.Contains(p.RestrictedColumns, strings.ToLower(strings.TrimSpace(column)))
}

// SameRules reports whether p and o differ only in version metadata.
func (p Policy) SameRules(o Policy) bool {
	a, b := p.Normalize(), o.Normalize()
	return a.GlobalEpsilonLimit == b.GlobalEpsilonLimit &&
		a.MaxQueriesPerHour == b.MaxQueriesPerHour &&
		a.MinCohortSize == b.MinCohortSize &&
		slices.Equal(a.AllowedMechanisms, b.AllowedMechanisms) &&
		slices.Equal(a.RestrictedColumns, b.RestrictedColumns)
}
