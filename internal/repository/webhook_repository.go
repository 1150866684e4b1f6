package repository

import (
	"context"

	"orderflow/internal/domain/model"
)

type WebhookRepository interface {
	// MarkProcessed は初回なら true。同じ DedupKey が既にあれば false
	MarkProcessed(ctx context.Context, w model.ProcessedWebhook) (bool, error)
}
