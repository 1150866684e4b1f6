package usecase

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"orderflow/internal/domain/model"
	repo "orderflow/internal/repository"
)

// saveOrder は before.Version を期待値にして保存し、変わったステータスを監査ログに残す。
func saveOrder(ctx context.Context, r repo.TxRepos, actor string, before, after model.Order, now time.Time) (model.Order, error) {
	if err := after.CheckTotals(); err != nil {
		return model.Order{}, err
	}

	saved, err := r.Orders().UpdateIfVersion(ctx, before.Tenant(), after, before.Version)
	if err != nil {
		return model.Order{}, saveError(err, "order")
	}

	resourceID := formatID(after.ID)
	if before.Status != after.Status {
		if err := writeAudit(ctx, r, after.Tenant(), actor, model.AuditActionUpdateOrderStatus, model.AuditResourceOrder, resourceID,
			map[string]string{"status": string(before.Status)},
			map[string]string{"status": string(after.Status)}, now); err != nil {
			return model.Order{}, err
		}
	}
	if before.PaymentStatus != after.PaymentStatus {
		if err := writeAudit(ctx, r, after.Tenant(), actor, model.AuditActionUpdatePaymentStatus, model.AuditResourceOrder, resourceID,
			map[string]string{"payment_status": string(before.PaymentStatus)},
			map[string]string{"payment_status": string(after.PaymentStatus)}, now); err != nil {
			return model.Order{}, err
		}
	}
	return saved, nil
}

// saveAttempt は決済の変更を保存し、ステータスが変われば監査ログに残す。
func saveAttempt(ctx context.Context, r repo.TxRepos, actor string, before, after model.PaymentAttempt, now time.Time) error {
	if err := r.Payments().Update(ctx, after); err != nil {
		return saveError(err, "payment attempt")
	}
	if before.Status == after.Status {
		return nil
	}
	return writeAudit(ctx, r, after.Tenant(), actor, model.AuditActionUpdatePaymentStatus, model.AuditResourcePayment, after.ID,
		map[string]string{"status": string(before.Status)},
		map[string]string{"status": string(after.Status), "refunded_amount": after.RefundedAmount.String()}, now)
}

func writeAudit(ctx context.Context, r repo.TxRepos, key model.TenantKey, actor string, action model.AuditAction,
	resourceType model.AuditResourceType, resourceID string, before, after interface{}, now time.Time) error {
	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)
	if err := r.AuditLogs().Create(ctx, model.AuditLog{
		OrganizationID: key.OrganizationID,
		StoreID:        key.StoreID,
		Actor:          actor,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		BeforeJSON:     string(b),
		AfterJSON:      string(a),
		CreatedAt:      now,
	}); err != nil {
		return dbError(err)
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
