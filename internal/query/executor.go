package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/metrics"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Runner is the narrow execution surface handed to actions and the caller
// resolver. *Executor is the production implementation; tests substitute
// fakes.
type Runner interface {
	Execute(ctx context.Context, name string, params map[string]any) ([]Row, error)
	ExecuteSQL(ctx context.Context, sql string, params map[string]any, db string) ([]Row, error)
}

// Executor resolves named templates and runs them against per-database pgx
// pools. One pooled connection is acquired per call and released on every
// path.
type Executor struct {
	templates map[string]Template
	pools     map[string]*pgxpool.Pool
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// Options configures an Executor.
type Options struct {
	Templates map[string]Template
	Pools     map[string]*pgxpool.Pool
	// Timeout bounds each query; zero disables the deadline.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewExecutor constructs the executor over an immutable template set.
func NewExecutor(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		templates: opts.Templates,
		pools:     opts.Pools,
		timeout:   opts.Timeout,
		logger:    logger.With(slog.String("agent", "query_executor")),
		metrics:   opts.Metrics,
	}
}

// TemplateCount reports the number of loaded templates for health output.
func (e *Executor) TemplateCount() int { return len(e.templates) }

// Execute runs the named template with the given parameters. An unknown name
// is a server configuration defect, not a client error.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any) ([]Row, error) {
	tpl, ok := e.templates[name]
	if !ok {
		e.logger.Error("unregistered query requested", slog.String("query", name))
		return nil, apierr.Newf(apierr.KindConfig, "the query for name %s is not registered", name)
	}
	e.logger.Debug("executing query", slog.String("query", name), slog.String("db", tpl.DB))
	return e.run(ctx, name, tpl.SQL, params, tpl.DB)
}

// ExecuteSQL runs ad-hoc SQL through the same parameterization and pooling
// path, for callers that compose statements at runtime.
func (e *Executor) ExecuteSQL(ctx context.Context, sql string, params map[string]any, db string) ([]Row, error) {
	return e.run(ctx, "adhoc", sql, params, db)
}

func (e *Executor) run(ctx context.Context, name, sql string, params map[string]any, db string) ([]Row, error) {
	pool, ok := e.pools[db]
	if !ok {
		return nil, apierr.Newf(apierr.KindConfig, "database %s is not configured", db)
	}

	stmt, err := Parameterize(sql, params, e.logger)
	if err != nil {
		e.observe(name, metrics.QueryError, 0)
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		e.observe(name, metrics.QueryError, time.Since(start))
		return nil, apierr.Wrap(apierr.KindTransient, "database connection unavailable", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, stmt)
	if err != nil {
		// Driver errors propagate raw for the caller to classify.
		e.observe(name, metrics.QueryError, time.Since(start))
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			e.observe(name, metrics.QueryError, time.Since(start))
			return nil, err
		}
		row := make(Row, len(fields))
		for i, field := range fields {
			row[string(field.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		e.observe(name, metrics.QueryError, time.Since(start))
		return nil, err
	}

	elapsed := time.Since(start)
	e.observe(name, metrics.QueryOK, elapsed)
	e.logger.Debug("query executed",
		slog.String("query", name),
		slog.Int("rows", len(out)),
		slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)),
	)
	return out, nil
}

func (e *Executor) observe(name string, outcome metrics.QueryOutcome, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveQuery(name, outcome, d)
	}
}
