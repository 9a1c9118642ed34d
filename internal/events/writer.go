// Package events appends WorkflowTimeline rows inside the caller's transaction.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auditflow/internal/domain"
	"auditflow/internal/store"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry is one timeline row before it is sequenced.
type Entry struct {
	InstanceID  string
	StepID      string
	Action      domain.TimelineAction
	PerformedBy string
	Comment     string
	Metadata    Payload
}

func (w Writer) Append(ctx context.Context, tx store.Tx, e Entry) (domain.TimelineEntry, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	row := domain.TimelineEntry{
		ID:                 uuid.NewString(),
		WorkflowInstanceID: e.InstanceID,
		StepID:             e.StepID,
		Action:             e.Action,
		PerformedBy:        e.PerformedBy,
		Comment:            e.Comment,
		Metadata:           map[string]any(e.Metadata),
		CreatedAt:          now().UTC(),
	}
	out, err := tx.Timeline().Append(ctx, row)
	if err != nil {
		return out, fmt.Errorf("append timeline %s/%s: %w", e.StepID, e.Action, err)
	}
	return out, nil
}
