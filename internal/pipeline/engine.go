// Package pipeline runs a manifest's operator chain over rows pulled from a
// source or the local cache.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/manifest"
	"warden/internal/metrics"
)

type Engine struct {
	Logger *zap.Logger
	// Events, when set, receives one event per execution and one per staged action.
	Events *events.Writer
	Now    func() time.Time
}

func New(logger *zap.Logger, w *events.Writer) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Logger: logger, Events: w, Now: time.Now}
}

type operatorFunc func(ctx context.Context, rows []domain.DataRow, ec *ExecContext, props manifest.Properties) ([]domain.DataRow, *domain.ActionResult, error)

func operatorFor(kind string) (operatorFunc, bool) {
	switch kind {
	case domain.OpPull:
		return pull, true
	case domain.OpSelect:
		return selectFields, true
	case domain.OpFilter:
		return filter, true
	case domain.OpTransform:
		return transform, true
	case domain.OpStage:
		return stage, true
	case domain.OpStore:
		return store, true
	}
	return nil, false
}

// Execute runs the graph of m in order. Any operator failure aborts the run
// and no rows are returned.
func (e *Engine) Execute(ctx context.Context, m domain.Manifest, ec ExecContext) (Result, error) {
	if ec.ManifestID == "" {
		ec.ManifestID = m.ID
	}
	if ec.Purpose == "" {
		ec.Purpose = m.Purpose
	}
	if ec.Now == nil {
		ec.Now = e.Now
	}
	if ec.Logger == nil {
		ec.Logger = e.Logger
	}
	ec.events = e.Events
	log := ec.logger().With(zap.String("manifest_id", ec.ManifestID), zap.String("caller_id", ec.CallerID))

	start := time.Now()
	res, err := e.run(ctx, m, &ec, log)
	elapsed := time.Since(start)
	metrics.PipelineDuration.Observe(elapsed.Seconds())
	if err != nil {
		metrics.PipelineRuns.WithLabelValues("error").Inc()
		log.Warn("pipeline failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		e.record(ctx, &ec, events.PipelineFailed, events.EventPayload{"error": err.Error()})
		return Result{}, err
	}
	res.Meta.QueryTimeMs = elapsed.Milliseconds()
	res.Meta.ItemsReturned = len(res.Data)
	outcome := "ok"
	if res.ActionResult != nil {
		outcome = "staged"
	}
	metrics.PipelineRuns.WithLabelValues(outcome).Inc()
	log.Info("pipeline executed",
		zap.Strings("operators", res.Meta.OperatorsApplied),
		zap.Int("fetched", res.Meta.ItemsFetched),
		zap.Int("returned", res.Meta.ItemsReturned),
		zap.Duration("elapsed", elapsed))
	e.record(ctx, &ec, events.PipelineExecuted, events.EventPayload{
		"operators_applied": res.Meta.OperatorsApplied,
		"items_fetched":     res.Meta.ItemsFetched,
		"items_returned":    res.Meta.ItemsReturned,
		"staged":            res.ActionResult != nil,
	})
	return res, nil
}

func (e *Engine) run(ctx context.Context, m domain.Manifest, ec *ExecContext, log *zap.Logger) (Result, error) {
	if err := checkGraph(m); err != nil {
		return Result{}, err
	}
	res := Result{Data: []domain.DataRow{}, Meta: Meta{OperatorsApplied: []string{}}}
	rows := []domain.DataRow{}
	pulled := false
	for _, name := range m.Graph {
		decl := m.Operators[name]
		fn, ok := operatorFor(decl.Type)
		if !ok {
			return Result{}, &OperatorError{Name: name, Type: decl.Type, Err: fmt.Errorf("%w: %s", ErrUnknownOperatorType, decl.Type)}
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		out, action, err := fn(ctx, rows, ec, manifest.Properties(decl.Properties))
		if err != nil {
			return Result{}, &OperatorError{Name: name, Type: decl.Type, Err: err}
		}
		res.Meta.OperatorsApplied = append(res.Meta.OperatorsApplied, name+":"+decl.Type)
		if action != nil {
			log.Debug("operator staged action", zap.String("operator", name))
			res.ActionResult = action
			rows = []domain.DataRow{}
			break
		}
		if out == nil {
			out = []domain.DataRow{}
		}
		rows = out
		if decl.Type == domain.OpPull && !pulled {
			res.Meta.ItemsFetched = len(rows)
			pulled = true
		}
		metrics.OperatorRows.WithLabelValues(decl.Type).Add(float64(len(rows)))
		log.Debug("operator applied", zap.String("operator", name), zap.String("type", decl.Type), zap.Int("rows", len(rows)))
	}
	res.Data = rows
	return res, nil
}

// checkGraph fails before any operator runs, so an invalid chain has no side effects.
func checkGraph(m domain.Manifest) error {
	last := len(m.Graph) - 1
	for i, name := range m.Graph {
		decl, ok := m.Operators[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUndeclaredOperator, name)
		}
		if decl.Type == domain.OpStage && i != last {
			return &OperatorError{Name: name, Type: decl.Type, Err: ErrStagePosition}
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, ec *ExecContext, evtType string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Append(ctx, nil, evtType, ec.ManifestID, "pipeline", ec.ManifestID, ec.CallerID, payload); err != nil {
		ec.logger().Warn("record event", zap.String("type", evtType), zap.Error(err))
	}
}
