package tenant

import "orderflow/internal/domain/apperr"

type Action string

const (
	ActionPlace         Action = "place"
	ActionView          Action = "view"
	ActionPay           Action = "pay"
	ActionProcess       Action = "process"
	ActionShip          Action = "ship"
	ActionDeliver       Action = "deliver"
	ActionCancel        Action = "cancel"
	ActionRefund        Action = "refund"
	ActionCancelPayment Action = "cancel_payment"
	ActionViewAudit     Action = "view_audit"
)

// 顧客が操作できる範囲
type CustomerAccess int

const (
	CustomerDenied CustomerAccess = iota
	CustomerOwn
	CustomerOwnWhilePending
)

type Rule struct {
	Roles    []Role
	Customer CustomerAccess
}

// Target は認可判定に使う注文側の情報。
type Target struct {
	CustomerID int64
	Pending    bool
}

type Policy map[Action]Rule

// DefaultPolicy は店舗運用の標準ルール。
func DefaultPolicy() Policy {
	staff := []Role{RoleStaff, RoleManager, RoleAdmin}
	managers := []Role{RoleManager, RoleAdmin}

	return Policy{
		ActionPlace:         {Roles: staff, Customer: CustomerOwn},
		ActionView:          {Roles: staff, Customer: CustomerOwn},
		ActionPay:           {Roles: staff, Customer: CustomerOwn},
		ActionProcess:       {Roles: staff},
		ActionShip:          {Roles: staff},
		ActionDeliver:       {Roles: staff},
		ActionCancel:        {Roles: managers, Customer: CustomerOwnWhilePending},
		ActionRefund:        {Roles: managers},
		ActionCancelPayment: {Roles: managers, Customer: CustomerOwn},
		ActionViewAudit:     {Roles: managers},
	}
}

// Authorize は許可されなければ UnauthorizedAction を返す。
func (p Policy) Authorize(s Scope, a Action, t Target) error {
	if s.Privileged() {
		return nil
	}

	rule, ok := p[a]
	if !ok {
		return apperr.Unauthorized(string(a))
	}

	for _, r := range rule.Roles {
		if s.Has(r) {
			return nil
		}
	}

	if s.Has(RoleCustomer) && s.UserID == t.CustomerID {
		switch rule.Customer {
		case CustomerOwn:
			return nil
		case CustomerOwnWhilePending:
			if t.Pending {
				return nil
			}
		}
	}

	return apperr.Unauthorized(string(a))
}

// CanAttempt は注文を読む前のロールだけの事前判定。
func (p Policy) CanAttempt(s Scope, a Action) bool {
	if s.Privileged() {
		return true
	}
	rule, ok := p[a]
	if !ok {
		return false
	}
	for _, r := range rule.Roles {
		if s.Has(r) {
			return true
		}
	}
	return rule.Customer != CustomerDenied && s.Has(RoleCustomer)
}
