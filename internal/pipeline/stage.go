package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/manifest"
	"warden/internal/metrics"
)

// stage queues the requested write for review. Input rows are ignored.
func stage(ctx context.Context, _ []domain.DataRow, ec *ExecContext, props manifest.Properties) ([]domain.DataRow, *domain.ActionResult, error) {
	actionType, ok := props.String("action_type")
	if !ok || actionType == "" {
		return nil, nil, requires("requires action_type property")
	}
	if ec.Repo.DB == nil {
		return nil, nil, fmt.Errorf("stage: %w", ErrNoStorage)
	}
	data := map[string]any{}
	if declared, ok := props.Map("data"); ok {
		for k, v := range declared {
			data[k] = v
		}
	}
	for k, v := range ec.ActionData {
		data[k] = v
	}
	action := domain.StagedAction{
		ActionID:   uuid.NewString(),
		ManifestID: ec.ManifestID,
		Source:     props.StringOr("source", ""),
		ActionType: actionType,
		ActionData: data,
		Purpose:    ec.Purpose,
		Status:     domain.ActionPending,
		ProposedAt: ec.now().UTC().Format(timeLayout),
	}

	tx, err := ec.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()
	if err := ec.Repo.InsertStagedAction(ctx, tx, action); err != nil {
		return nil, nil, fmt.Errorf("insert staged action: %w", err)
	}
	if ec.events != nil {
		if err := ec.events.Append(ctx, tx, events.ActionStaged, ec.ManifestID, "staged_action", action.ActionID, ec.CallerID,
			events.EventPayload{"action_type": actionType, "source": action.Source}); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	metrics.StagedActions.WithLabelValues(domain.ActionPending).Inc()
	ec.logger().Info("action staged", zap.String("action_id", action.ActionID), zap.String("action_type", actionType))
	return nil, &domain.ActionResult{
		Success: true,
		Message: fmt.Sprintf("%s staged for review", actionType),
		ResultData: map[string]any{
			"actionId": action.ActionID,
			"status":   domain.ActionPending,
		},
	}, nil
}
