// Package review moves staged actions through the owner's review queue.
//
//	pending -> approved -> committed
//	pending -> rejected
//
// Only commit reaches the source connector.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden/internal/connector"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/metrics"
	"warden/internal/repo"
)

var ErrInvalidTransition = errors.New("invalid staged action transition")

// ActionFailedError is returned when the connector ran the action but
// reported failure. The action stays approved.
type ActionFailedError struct {
	ActionID string
	Result   domain.ActionResult
}

func (e *ActionFailedError) Error() string {
	msg := e.Result.Message
	if msg == "" {
		msg = "connector reported failure"
	}
	return fmt.Sprintf("action %s failed: %s", e.ActionID, msg)
}

type Service struct {
	Repo     repo.Repo
	Events   events.Writer
	Registry *connector.Registry
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(r repo.Repo, reg *connector.Registry, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Service{
		Repo:     r,
		Events:   events.Writer{DB: r.DB},
		Registry: reg,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func ensureTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.ActionPending:
		if newStatus == domain.ActionApproved || newStatus == domain.ActionRejected {
			return nil
		}
	case domain.ActionApproved:
		if newStatus == domain.ActionCommitted {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

func (s Service) Approve(ctx context.Context, id, actorID string) (domain.StagedAction, error) {
	return s.transition(ctx, id, domain.ActionApproved, actorID, events.ActionApproved, nil)
}

func (s Service) Reject(ctx context.Context, id, actorID, reason string) (domain.StagedAction, error) {
	payload := events.EventPayload{}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.transition(ctx, id, domain.ActionRejected, actorID, events.ActionRejected, payload)
}

// Commit executes an approved action through its source connector and marks
// it committed. The row is claimed before the connector runs, so concurrent
// commits of one action reach the source once. A connector error or failed
// result puts it back to approved.
func (s Service) Commit(ctx context.Context, id, actorID string) (domain.StagedAction, domain.ActionResult, error) {
	a, err := s.Repo.GetStagedAction(ctx, id)
	if err != nil {
		return domain.StagedAction{}, domain.ActionResult{}, err
	}
	if err := ensureTransition(a.Status, domain.ActionCommitted); err != nil {
		return a, domain.ActionResult{}, err
	}
	conn, ok := s.Registry.Get(a.Source)
	if !ok {
		return a, domain.ActionResult{}, fmt.Errorf("no connector for source %q", a.Source)
	}
	approvedAt := a.ResolvedAt
	resolved := s.now().UTC().Format(time.RFC3339)
	claimed, err := s.Repo.SwapStagedStatus(ctx, nil, id, domain.ActionApproved, domain.ActionCommitted, &resolved)
	if err != nil {
		return a, domain.ActionResult{}, err
	}
	if !claimed {
		return a, domain.ActionResult{}, fmt.Errorf("%w: action %s is no longer approved", ErrInvalidTransition, id)
	}

	res, err := conn.ExecuteAction(ctx, a.ActionType, a.ActionData)
	if err == nil && !res.Success {
		err = &ActionFailedError{ActionID: id, Result: res}
	}
	if err != nil {
		s.logger().Warn("commit failed", zap.String("action_id", id), zap.Error(err))
		if _, rerr := s.Repo.SwapStagedStatus(context.WithoutCancel(ctx), nil, id, domain.ActionCommitted, domain.ActionApproved, approvedAt); rerr != nil {
			s.logger().Error("release commit claim", zap.String("action_id", id), zap.Error(rerr))
		}
		var failed *ActionFailedError
		if errors.As(err, &failed) {
			return a, res, err
		}
		return a, domain.ActionResult{}, fmt.Errorf("execute %s: %w", a.ActionType, err)
	}

	a.Status = domain.ActionCommitted
	a.ResolvedAt = &resolved
	payload := events.EventPayload{"message": res.Message, "from": domain.ActionApproved, "to": domain.ActionCommitted}
	if res.ResultData != nil {
		payload["result"] = res.ResultData
	}
	if err := s.Events.Append(ctx, nil, events.ActionCommitted, a.ManifestID, "staged_action", a.ActionID, actorID, payload); err != nil {
		return a, res, err
	}
	metrics.StagedActions.WithLabelValues(domain.ActionCommitted).Inc()
	s.logger().Info("staged action committed", zap.String("action_id", id))
	return a, res, nil
}

func (s Service) transition(ctx context.Context, id, status, actorID, evtType string, payload events.EventPayload) (domain.StagedAction, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StagedAction{}, err
	}
	defer tx.Rollback()
	a, err := s.Repo.GetStagedActionTx(ctx, tx, id)
	if err != nil {
		return domain.StagedAction{}, err
	}
	if err := ensureTransition(a.Status, status); err != nil {
		return a, err
	}
	from := a.Status
	resolved := s.now().UTC().Format(time.RFC3339)
	a.Status = status
	a.ResolvedAt = &resolved
	if err := s.Repo.UpdateStagedAction(ctx, tx, a); err != nil {
		return domain.StagedAction{}, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = from
	payload["to"] = status
	if err := s.Events.Append(ctx, tx, evtType, a.ManifestID, "staged_action", a.ActionID, actorID, payload); err != nil {
		return domain.StagedAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StagedAction{}, err
	}
	metrics.StagedActions.WithLabelValues(status).Inc()
	s.logger().Info("staged action resolved", zap.String("action_id", id), zap.String("from", from), zap.String("to", status))
	return a, nil
}
