package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"orderflow/internal/domain/event"

	rd "github.com/redis/go-redis/v9"
)

type Sink interface {
	Notify(ctx context.Context, e event.Event) error
}

// Relay は Redis Stream のイベントを別の送り先（Kafka）へ転送する。
// 転送に成功してから ACK するので、失敗したメッセージは残って再送される。
type Relay struct {
	rdb  *rd.Client
	sink Sink
	log  *slog.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, sink Sink, log *slog.Logger, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:      rdb,
		sink:     sink,
		log:      log,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	if err := r.ensureGroup(ctx); err != nil {
		return fmt.Errorf("relay ensure group: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		//先に自分のpendingを片付ける
		msgs, err := r.readGroup(ctx, "0", 0)
		if err == nil && len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.log.Warn("relay read failed", slog.Any("error", err))
			time.Sleep(300 * time.Millisecond)
			continue
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				r.log.Warn("relay publish failed", slog.String("message_id", xm.ID), slog.Any("error", err))
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []rd.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	e, err := DecodeStreamValues(xm.Values)
	if err != nil {
		//壊れたメッセージは捨てて詰まらせない
		r.log.Error("relay dropped malformed message", slog.String("message_id", xm.ID), slog.Any("error", err))
		return r.ack(ctx, xm.ID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Notify(pubCtx, e); err != nil {
		return err
	}
	return r.ack(ctx, xm.ID)
}

func (r *Relay) ack(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

// DecodeStreamValues は StreamNotifier が書いた payload を戻す。
func DecodeStreamValues(values map[string]interface{}) (event.Event, error) {
	v, ok := values["payload"]
	if !ok {
		return event.Event{}, errors.New("missing field payload")
	}
	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return event.Event{}, fmt.Errorf("payload has type %T", v)
	}

	var e event.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return event.Event{}, fmt.Errorf("invalid payload: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return event.Event{}, errors.New("payload is missing id or type")
	}
	return e, nil
}
