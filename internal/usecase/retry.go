package usecase

import (
	"context"
	"time"

	"orderflow/internal/domain/apperr"
)

// RetryPolicy は一時的な ProcessorError だけを再試行する。
// 同じ冪等キーで呼び直すのは呼び出し側の責任。
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    3,
		BaseBackoff: 200 * time.Millisecond,
		Multiplier:  2,
		MaxBackoff:  2 * time.Second,
	}
}

// Do は fn を最大 Attempts 回呼ぶ。戻り値は実際に呼んだ回数。
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.BaseBackoff

	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(ctx)
		if err == nil || !apperr.IsRetryable(err) || i == attempts {
			return i, err
		}

		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return i, err
			case <-t.C:
			}
		}
		backoff = p.next(backoff)
	}
	return attempts, err
}

// Budget は1回あたり callTimeout の呼び出しを再試行し尽くすまでにかかる最大時間。
func (p RetryPolicy) Budget(callTimeout time.Duration) time.Duration {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	total := time.Duration(attempts) * callTimeout
	backoff := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		total += backoff
		backoff = p.next(backoff)
	}
	return total
}

func (p RetryPolicy) next(d time.Duration) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
