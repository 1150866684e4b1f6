package notify

import (
	"context"
	"encoding/json"

	"orderflow/internal/domain/event"

	rd "github.com/redis/go-redis/v9"
)

// StreamNotifier は Redis Stream に XADD する。下流はconsumer groupで読む。
type StreamNotifier struct {
	rdb    rd.Cmdable
	stream string
	// 0 なら無制限
	maxLen int64
}

func NewStreamNotifier(rdb rd.Cmdable, stream string, maxLen int64) *StreamNotifier {
	return &StreamNotifier{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (n *StreamNotifier) Notify(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	args := &rd.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"event_id": e.ID,
			"type":     string(e.Type),
			"key":      e.PartitionKey(),
			"payload":  string(payload),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	return n.rdb.XAdd(ctx, args).Err()
}
