package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"dpledger/internal/audit"
	"dpledger/internal/core"
	"dpledger/internal/ledger"
	"dpledger/internal/mechanism"
	"dpledger/internal/policy"
)

// PolicySource yields the policy version a request is evaluated against.
type PolicySource interface {
	Current() core.Policy
}

// RequestMeta identifies the caller of one request.
type RequestMeta struct {
	AccountID  string
	SourceAddr string
	RequestID  string
}

type ExecutorOptions struct {
	// DatasetTimeout bounds every call to the data accessor.
	DatasetTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// QueryExecutor runs a query through policy, ledger, data access and noise,
// recording exactly one audit entry per attempt.
type QueryExecutor struct {
	ledger   *ledger.Ledger
	policies PolicySource
	audit    *audit.Logger
	data     core.DataAccessor
	engine   *mechanism.Engine
	log      *slog.Logger
	opts     ExecutorOptions
}

func NewQueryExecutor(l *ledger.Ledger, policies PolicySource, auditLog *audit.Logger, data core.DataAccessor, engine *mechanism.Engine, opts ExecutorOptions) *QueryExecutor {
	if opts.DatasetTimeout <= 0 {
		opts.DatasetTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if engine == nil {
		engine = mechanism.NewEngine(nil)
	}
	return &QueryExecutor{
		ledger:   l,
		policies: policies,
		audit:    auditLog,
		data:     data,
		engine:   engine,
		log:      log.With("component", "executor"),
		opts:     opts,
	}
}

// ExecuteJSON decodes a request body for the named query type and executes
// it. Decoding failures are recorded like any other rejection.
func (e *QueryExecutor) ExecuteJSON(ctx context.Context, meta RequestMeta, queryType string, body io.Reader) (*core.QueryResult, error) {
	start := e.opts.Now()
	qt, err := core.ParseQueryType(queryType)
	if err != nil {
		return nil, e.reject(meta, core.QueryRequest{Type: core.QueryType(truncate(strings.ToLower(queryType), 32))}, err, start)
	}
	q, err := core.DecodeQueryRequest(qt, body)
	if err != nil {
		return nil, e.reject(meta, core.QueryRequest{Type: qt}, err, start)
	}
	return e.execute(ctx, meta, q, start)
}

// Execute runs q on behalf of meta.AccountID. A caller whose ctx ends before
// the budget is charged gets ctx.Err(); nothing is charged or recorded then.
func (e *QueryExecutor) Execute(ctx context.Context, meta RequestMeta, q core.QueryRequest) (*core.QueryResult, error) {
	return e.execute(ctx, meta, q, e.opts.Now())
}

func (e *QueryExecutor) execute(ctx context.Context, meta RequestMeta, raw core.QueryRequest, start time.Time) (*core.QueryResult, error) {
	q, err := core.NewQueryRequest(raw)
	if err != nil {
		return nil, e.reject(meta, raw, err, start)
	}

	// One policy version governs the whole request.
	enf := policy.NewEnforcer(e.policies.Current())
	if err := enf.Validate(q); err != nil {
		return nil, e.reject(meta, q, err, start)
	}
	if err := mechanism.CheckApplicable(q); err != nil {
		return nil, e.reject(meta, q, err, start)
	}

	cohort, err := e.cohortSize(ctx, q)
	if err != nil {
		return nil, e.fail(ctx, meta, q, err, start)
	}
	if err := enf.CheckCohort(cohort); err != nil {
		return nil, e.reject(meta, q, err, start)
	}

	recorded := false
	res, err := e.ledger.Reserve(ctx, ledger.ReserveRequest{
		AccountID: meta.AccountID,
		Epsilon:   q.Epsilon,
		Admit:     enf.CheckRate,
		OnReject: func(err error) {
			recorded = true
			e.record(meta, q, core.StatusBlocked, 0, core.Reason(err), start)
		},
	})
	if err != nil {
		if recorded {
			return nil, err
		}
		return nil, e.fail(ctx, meta, q, err, start)
	}

	// No-op once committed.
	defer res.Release()

	result, err := e.compute(ctx, q, enf, cohort)
	if err != nil {
		return nil, e.fail(ctx, meta, q, err, start)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Charging and logging complete even if the caller goes away now.
	remaining, err := res.Commit(context.WithoutCancel(ctx), func(remaining float64) {
		result.ExecutionMs = e.opts.Now().Sub(start).Milliseconds()
		e.record(meta, q, core.StatusSuccess, q.Epsilon, "", start)
	})
	if err != nil {
		return nil, e.fail(ctx, meta, q, err, start)
	}
	result.BudgetRemaining = remaining
	e.log.Debug("query granted", "account_id", meta.AccountID, "query_type", q.Type, "mechanism", q.Mechanism, "epsilon", q.Epsilon, "request_id", meta.RequestID)
	return result, nil
}

func (e *QueryExecutor) cohortSize(ctx context.Context, q core.QueryRequest) (int, error) {
	dctx, cancel := context.WithTimeout(ctx, e.opts.DatasetTimeout)
	defer cancel()
	n, err := e.data.CohortSize(dctx, q.Filters)
	if err != nil {
		return 0, dataError(ctx, err)
	}
	return n, nil
}

// compute reads the cohort, evaluates the exact aggregate and noises it. A
// panic is returned as an internal error.
func (e *QueryExecutor) compute(ctx context.Context, q core.QueryRequest, enf policy.Enforcer, cohort int) (result *core.QueryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("compute %s: panic: %v", q.Type, r)
		}
	}()

	var values []float64
	if q.Type.NeedsColumn() {
		dctx, cancel := context.WithTimeout(ctx, e.opts.DatasetTimeout)
		defer cancel()
		v, err := e.data.ColumnValues(dctx, q.Column, q.Filters)
		if err != nil {
			return nil, dataError(ctx, err)
		}
		values = v
		// Rows with no value in the column do not contribute.
		if err := enf.CheckCohort(len(values)); err != nil {
			return nil, err
		}
	}

	agg, err := mechanism.Compute(q, cohort, values)
	if err != nil {
		return nil, err
	}
	noised, err := e.engine.Apply(q, agg.Values)
	if err != nil {
		return nil, err
	}

	result = &core.QueryResult{
		QueryType:   q.Type,
		Mechanism:   q.Mechanism,
		Column:      q.Column,
		TrueResult:  agg.Values,
		NoisyResult: noised.Values,
		NoiseAdded:  noised.Noise,
		BinEdges:    agg.BinEdges,
		EpsilonUsed: q.Epsilon,
		CohortSize:  cohort,
	}
	if q.Type == core.QueryHistogram {
		result.Bins = q.Bins
	}
	return result, nil
}

// dataError classifies an accessor failure. Errors the accessor already
// typed pass through; a dead caller context is reported as is.
func dataError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if core.Kind(err) != core.KindInternal {
		return err
	}
	return &core.DataAccessError{Err: err}
}

// fail records err as blocked unless the caller cancelled.
func (e *QueryExecutor) fail(ctx context.Context, meta RequestMeta, q core.QueryRequest, err error, start time.Time) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	switch core.Kind(err) {
	case core.KindInternal:
		e.log.Error("query failed", "account_id", meta.AccountID, "query_type", q.Type, "request_id", meta.RequestID, "error", err)
	case core.KindDataAccess:
		e.log.Warn("dataset unavailable", "account_id", meta.AccountID, "request_id", meta.RequestID, "error", err)
	}
	return e.reject(meta, q, err, start)
}

func (e *QueryExecutor) reject(meta RequestMeta, q core.QueryRequest, err error, start time.Time) error {
	e.record(meta, q, core.StatusBlocked, 0, core.Reason(err), start)
	return err
}

func (e *QueryExecutor) record(meta RequestMeta, q core.QueryRequest, status core.AuditStatus, epsilon float64, reason string, start time.Time) {
	now := e.opts.Now()
	e.audit.Record(core.AuditLogEntry{
		Timestamp:   now,
		AccountID:   meta.AccountID,
		QueryType:   string(q.Type),
		Mechanism:   string(q.Mechanism),
		EpsilonUsed: epsilon,
		Status:      status,
		Reason:      truncate(reason, 500),
		SourceAddr:  meta.SourceAddr,
		RequestID:   meta.RequestID,
		DurationMs:  now.Sub(start).Milliseconds(),
	})
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
