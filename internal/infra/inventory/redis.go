// Package inventory は注文明細単位の在庫引当・戻しの実装。
package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"orderflow/internal/domain/model"

	rd "github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix = "stock:"
	reservedTTL    = 30 * 24 * time.Hour
)

// 全明細が足りるときだけまとめて減らす
var reserveScript = rd.NewScript(`
for i, key in ipairs(KEYS) do
	local current = redis.call('GET', key)
	if not current or tonumber(current) < tonumber(ARGV[i]) then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	redis.call('DECRBY', key, tonumber(ARGV[i]))
end
return 1
`)

// RedisInventory は店舗ごとの在庫カウンタ。
// 同じ注文の引当・戻しは1回だけ効く。
type RedisInventory struct {
	rdb *rd.Client
}

func NewRedisInventory(rdb *rd.Client) *RedisInventory {
	return &RedisInventory{rdb: rdb}
}

func stockKey(key model.TenantKey, productID int64) string {
	return fmt.Sprintf("%s%d:%d:%d", stockKeyPrefix, key.OrganizationID, key.StoreID, productID)
}

func reservedKey(key model.TenantKey, orderID int64) string {
	return fmt.Sprintf("reserved:%d:%d:%d", key.OrganizationID, key.StoreID, orderID)
}

func (r *RedisInventory) SetStock(ctx context.Context, key model.TenantKey, productID int64, qty int64) error {
	return r.rdb.Set(ctx, stockKey(key, productID), qty, 0).Err()
}

func (r *RedisInventory) Reserve(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}

	ok, err := r.rdb.SetNX(ctx, reservedKey(key, orderID), 1, reservedTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		//引当済み
		return nil
	}

	keys := make([]string, 0, len(items))
	args := make([]interface{}, 0, len(items))
	for _, it := range items {
		keys = append(keys, stockKey(key, it.ProductID))
		args = append(args, it.Quantity)
	}

	res, err := reserveScript.Run(ctx, r.rdb, keys, args...).Int()
	if err != nil || res != 1 {
		//失敗したら印を消して再試行できるようにする
		_ = r.rdb.Del(ctx, reservedKey(key, orderID)).Err()
		if err != nil {
			return err
		}
		return ErrInsufficientStock
	}
	return nil
}

func (r *RedisInventory) Release(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	n, err := r.rdb.Del(ctx, reservedKey(key, orderID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		//引当されていない or 戻し済み
		return nil
	}

	pipe := r.rdb.TxPipeline()
	for _, it := range items {
		pipe.IncrBy(ctx, stockKey(key, it.ProductID), it.Quantity)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Stock は現在の在庫数。キーがなければ0。
func (r *RedisInventory) Stock(ctx context.Context, key model.TenantKey, productID int64) (int64, error) {
	v, err := r.rdb.Get(ctx, stockKey(key, productID)).Result()
	if err == rd.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
