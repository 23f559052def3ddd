package tasks

import (
	"context"
	"fmt"

	"github.com/agentmem/memoryd/memory/pipeline"
	"github.com/agentmem/memoryd/types"
)

// RegisterPipelineHandlers wires C5's independently-runnable stages as C6
// task handlers: SummarizeSession (triggered by C3 on threshold crossing),
// and the periodic Compact/Forget maintenance tasks of spec.md §4.5 stages
// 8-9. Callers still schedule Compact/Forget themselves via
// SchedulePeriodic — this only supplies the handler functions.
func RegisterPipelineHandlers(r *Runtime, p *pipeline.Pipeline) {
	r.RegisterHandler("SummarizeSession", func(ctx context.Context, t Task) error {
		namespace, _ := t.Args["namespace"].(string)
		userID, _ := t.Args["user_id"].(string)
		sessionID, _ := t.Args["session_id"].(string)
		if sessionID == "" {
			return types.NewError(types.ErrInputInvalid, "SummarizeSession task missing session_id")
		}
		return p.SummarizeSession(ctx, namespace, userID, sessionID)
	})

	r.RegisterHandler("PromoteSession", func(ctx context.Context, t Task) error {
		namespace, _ := t.Args["namespace"].(string)
		userID, _ := t.Args["user_id"].(string)
		sessionID, _ := t.Args["session_id"].(string)
		if sessionID == "" {
			return types.NewError(types.ErrInputInvalid, "PromoteSession task missing session_id")
		}
		return p.RunPromotion(ctx, namespace, userID, sessionID)
	})

	r.RegisterHandler("Compact", func(ctx context.Context, t Task) error {
		n, err := p.Compact(ctx)
		if err != nil {
			return err
		}
		_ = n
		return nil
	})

	r.RegisterHandler("Forget", func(ctx context.Context, t Task) error {
		n, err := p.Forget(ctx)
		if err != nil {
			return err
		}
		_ = n
		return nil
	})
}

// PromoteSessionFingerprint builds the fingerprint for a PromoteSession
// task, stable per (namespace, user, session) so concurrent triggers for
// the same session coalesce onto one in-flight run.
func PromoteSessionFingerprint(namespace, userID, sessionID string) string {
	return fmt.Sprintf("promote:%s:%s:%s", namespace, userID, sessionID)
}
