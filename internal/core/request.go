package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

type QueryType string

const (
	QueryCount     QueryType = "count"
	QuerySum       QueryType = "sum"
	QueryMean      QueryType = "mean"
	QueryMedian    QueryType = "median"
	QueryHistogram QueryType = "histogram"
)

// ParseQueryType resolves the path segment of /query/{type}.
func ParseQueryType(s string) (QueryType, error) {
	switch qt := QueryType(strings.ToLower(strings.TrimSpace(s))); qt {
	case QueryCount, QuerySum, QueryMean, QueryMedian, QueryHistogram:
		return qt, nil
	}
	return "", ErrInvalid("unknown query type %q", s)
}

// NeedsColumn reports whether the query aggregates a column.
func (q QueryType) NeedsColumn() bool {
	return q != QueryCount
}

type Mechanism string

const (
	MechanismLaplace     Mechanism = "laplace"
	MechanismGaussian    Mechanism = "gaussian"
	MechanismExponential Mechanism = "exponential"
)

func ParseMechanism(s string) (Mechanism, error) {
	switch m := Mechanism(strings.ToLower(strings.TrimSpace(s))); m {
	case MechanismLaplace, MechanismGaussian, MechanismExponential:
		return m, nil
	}
	return "", ErrInvalid("unknown mechanism %q", s)
}

const (
	DefaultBins = 10
	MaxBins     = 1000
)

var (
	validGenders    = map[string]bool{"M": true, "F": true, "O": true}
	validBloodTypes = map[string]bool{"A+": true, "A-": true, "B+": true, "B-": true, "AB+": true, "AB-": true, "O+": true, "O-": true}
)

// Filters is the closed set of conjunctive cohort predicates.
type Filters struct {
	AgeMin    *int   `json:"age_min,omitempty"`
	AgeMax    *int   `json:"age_max,omitempty"`
	Gender    string `json:"gender,omitempty"`
	ZipCode   string `json:"zip_code,omitempty"`
	BloodType string `json:"blood_type,omitempty"`
}

func (f Filters) Validate() error {
	if f.AgeMin != nil && (*f.AgeMin < 0 || *f.AgeMin > 150) {
		return ErrInvalid("age_min must be between 0 and 150")
	}
	if f.AgeMax != nil && (*f.AgeMax < 0 || *f.AgeMax > 150) {
		return ErrInvalid("age_max must be between 0 and 150")
	}
	if f.AgeMin != nil && f.AgeMax != nil && *f.AgeMin > *f.AgeMax {
		return ErrInvalid("age_min must not exceed age_max")
	}
	if f.Gender != "" && !validGenders[f.Gender] {
		return ErrInvalid("gender must be one of M, F, O")
	}
	if f.BloodType != "" && !validBloodTypes[f.BloodType] {
		return ErrInvalid("unknown blood_type %q", f.BloodType)
	}
	if len(f.ZipCode) > 10 {
		return ErrInvalid("zip_code too long")
	}
	return nil
}

// QueryRequest is a validated query. Build it with DecodeQueryRequest or
// NewQueryRequest; the zero value is not valid.
type QueryRequest struct {
	Type        QueryType
	Column      string
	Filters     Filters
	Epsilon     float64
	Delta       float64
	Sensitivity float64
	Mechanism   Mechanism
	Bins        int
}

// Wire shapes, one per variant. Unknown fields are rejected by the decoder,
// so a count body carrying "column" or a sum body carrying "bins" fails.
type (
	commonParams struct {
		Epsilon     *float64 `json:"epsilon"`
		Delta       *float64 `json:"delta"`
		Sensitivity *float64 `json:"sensitivity"`
		Mechanism   string   `json:"mechanism"`
		Filters     Filters  `json:"filters"`
	}
	countParams struct {
		commonParams
	}
	columnParams struct {
		commonParams
		Column string `json:"column"`
	}
	histogramParams struct {
		commonParams
		Column string `json:"column"`
		Bins   *int   `json:"bins"`
	}
)

// DecodeQueryRequest decodes a JSON body into the variant for qt and validates it.
func DecodeQueryRequest(qt QueryType, body io.Reader) (QueryRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return QueryRequest{}, ErrInvalid("read body: %v", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return QueryRequest{}, ErrInvalid("request body is required")
	}

	var (
		common commonParams
		column string
		bins   *int
	)
	switch qt {
	case QueryCount:
		var p countParams
		err = strictDecode(raw, &p)
		common = p.commonParams
	case QuerySum, QueryMean, QueryMedian:
		var p columnParams
		err = strictDecode(raw, &p)
		common, column = p.commonParams, p.Column
	case QueryHistogram:
		var p histogramParams
		err = strictDecode(raw, &p)
		common, column, bins = p.commonParams, p.Column, p.Bins
	default:
		return QueryRequest{}, ErrInvalid("unknown query type %q", qt)
	}
	if err != nil {
		return QueryRequest{}, err
	}

	if common.Epsilon == nil {
		return QueryRequest{}, ErrInvalid("epsilon is required")
	}
	if common.Sensitivity == nil {
		return QueryRequest{}, ErrInvalid("sensitivity is required")
	}
	var delta float64
	if common.Delta != nil {
		delta = *common.Delta
	}
	mech := MechanismLaplace
	if common.Mechanism != "" {
		if mech, err = ParseMechanism(common.Mechanism); err != nil {
			return QueryRequest{}, err
		}
	}
	nbins := 0
	if qt == QueryHistogram {
		nbins = DefaultBins
		if bins != nil {
			nbins = *bins
		}
	}

	return NewQueryRequest(QueryRequest{
		Type:        qt,
		Column:      column,
		Filters:     common.Filters,
		Epsilon:     *common.Epsilon,
		Delta:       delta,
		Sensitivity: *common.Sensitivity,
		Mechanism:   mech,
		Bins:        nbins,
	})
}

func strictDecode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return ErrInvalid("field %q has wrong type", typeErr.Field)
		}
		return ErrInvalid("invalid request body: %v", err)
	}
	if dec.More() {
		return ErrInvalid("invalid request body: trailing data")
	}
	return nil
}

// NewQueryRequest validates q and returns it. Every parameter rule that does not
// depend on the policy lives here.
func NewQueryRequest(q QueryRequest) (QueryRequest, error) {
	if _, err := ParseQueryType(string(q.Type)); err != nil {
		return QueryRequest{}, err
	}
	if _, err := ParseMechanism(string(q.Mechanism)); err != nil {
		return QueryRequest{}, err
	}
	q.Column = strings.TrimSpace(q.Column)
	if q.Type.NeedsColumn() && q.Column == "" {
		return QueryRequest{}, ErrInvalid("column is required for %s queries", q.Type)
	}
	if !q.Type.NeedsColumn() && q.Column != "" {
		return QueryRequest{}, ErrInvalid("column is not accepted for %s queries", q.Type)
	}
	if !finitePositive(q.Epsilon) {
		return QueryRequest{}, ErrInvalid("epsilon must be a positive number")
	}
	if !finitePositive(q.Sensitivity) {
		return QueryRequest{}, ErrInvalid("sensitivity must be a positive number")
	}
	if math.IsNaN(q.Delta) || q.Delta < 0 || q.Delta >= 1 {
		return QueryRequest{}, ErrInvalid("delta must be in [0, 1)")
	}
	if q.Mechanism == MechanismGaussian && q.Delta <= 0 {
		return QueryRequest{}, ErrInvalid("delta must be > 0 for the gaussian mechanism")
	}
	if q.Type == QueryHistogram {
		if q.Bins < 1 || q.Bins > MaxBins {
			return QueryRequest{}, ErrInvalid("bins must be between 1 and %d", MaxBins)
		}
	} else if q.Bins != 0 {
		return QueryRequest{}, ErrInvalid("bins is only accepted for histogram queries")
	}
	if err := q.Filters.Validate(); err != nil {
		return QueryRequest{}, err
	}
	return q, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func (q QueryRequest) String() string {
	return fmt.Sprintf("%s(%s) eps=%g mech=%s", q.Type, q.Column, q.Epsilon, q.Mechanism)
}
