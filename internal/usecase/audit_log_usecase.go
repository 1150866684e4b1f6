package usecase

import (
	"context"
	"strings"
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/tenant"
	repo "orderflow/internal/repository"
)

type AuditLogUsecase struct {
	audit  repo.AuditLogRepository
	policy tenant.Policy
}

func NewAuditLogUsecase(audit repo.AuditLogRepository, policy tenant.Policy) *AuditLogUsecase {
	return &AuditLogUsecase{audit: audit, policy: policy}
}

// handlerから受け取るクエリ文字列そのまま
type AuditLogQuery struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	From         string
	To           string
	Limit        int
	Offset       int
}

// List は店舗内の監査ログ（マネージャー以上）。
func (u *AuditLogUsecase) List(ctx context.Context, scope tenant.Scope, q AuditLogQuery) ([]model.AuditLog, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := u.policy.Authorize(scope, tenant.ActionViewAudit, tenant.Target{CustomerID: -1}); err != nil {
		return nil, err
	}

	// limitの最低限チェック
	if q.Limit == 0 {
		q.Limit = 50
	}
	if q.Limit < 1 || q.Limit > 200 {
		return nil, apperr.Validation("invalid limit", apperr.FieldError{Field: "limit", Message: "must be between 1 and 200"})
	}
	if q.Offset < 0 {
		return nil, apperr.Validation("invalid offset", apperr.FieldError{Field: "offset", Message: "must not be negative"})
	}

	f := repo.AuditLogFilter{Limit: q.Limit, Offset: q.Offset}
	if v := strings.TrimSpace(q.Actor); v != "" {
		f.Actor = &v
	}
	if v := strings.TrimSpace(q.Action); v != "" {
		a := model.AuditAction(strings.ToUpper(v))
		f.Action = &a
	}
	if v := strings.TrimSpace(q.ResourceType); v != "" {
		rt := model.AuditResourceType(strings.ToLower(v))
		f.ResourceType = &rt
	}
	if v := strings.TrimSpace(q.ResourceID); v != "" {
		f.ResourceID = &v
	}

	var ok bool
	if q.From != "" {
		if f.CreatedFrom, ok = parseDateTimeRFC3339(q.From); !ok {
			return nil, apperr.Validation("invalid from", apperr.FieldError{Field: "from", Message: "must be RFC3339"})
		}
	}
	if q.To != "" {
		if f.CreatedTo, ok = parseDateTimeRFC3339(q.To); !ok {
			return nil, apperr.Validation("invalid to", apperr.FieldError{Field: "to", Message: "must be RFC3339"})
		}
	}

	logs, err := u.audit.List(ctx, keyOf(scope), f)
	if err != nil {
		return nil, dbError(err)
	}
	return logs, nil
}

// 期間パラメータは handler で文字列のまま受けてここで time.Time にする
func parseDateTimeRFC3339(s string) (*time.Time, bool) {
	if strings.TrimSpace(s) == "" {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, false
	}
	return &t, true
}
