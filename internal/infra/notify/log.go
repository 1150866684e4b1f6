// Package notify はコミット後イベントの送り先。
package notify

import (
	"context"
	"log/slog"

	"orderflow/internal/domain/event"
)

// LogNotifier はイベントを構造化ログに出すだけ。開発用の既定。
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, e event.Event) error {
	n.log.InfoContext(ctx, "event",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.Int64("organization_id", e.OrganizationID),
		slog.Int64("store_id", e.StoreID),
		slog.Int64("order_id", e.OrderID),
		slog.String("status", e.Status),
		slog.String("amount", e.Amount),
	)
	return nil
}
