// Package tenant carries the caller identity and the organization/store
// a request is scoped to. A Scope is built per request and passed explicitly.
package tenant

import (
	"strconv"
	"strings"

	"orderflow/internal/domain/apperr"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
	// webhookなど利用者のいない処理
	RoleSystem Role = "system"
)

// ParseRole は未知のロールを空文字で返す。
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleStaff, RoleManager, RoleAdmin, RoleSystem:
		return r
	default:
		return ""
	}
}

type Scope struct {
	OrganizationID int64
	StoreID        int64
	UserID         int64
	Roles          []Role
	SuperAdmin     bool
	Owner          bool
}

// System はwebhook処理用のスコープ。テナントは相関レコードから決まる。
func System(organizationID, storeID int64) Scope {
	return Scope{
		OrganizationID: organizationID,
		StoreID:        storeID,
		Roles:          []Role{RoleSystem},
	}
}

// Validate はスコープが組織・店舗・ユーザーを持っているか確認する。
func (s Scope) Validate() error {
	if s.OrganizationID <= 0 || s.StoreID <= 0 {
		return apperr.New(apperr.KindTenantScopeViolation, "tenant scope is required")
	}
	if s.UserID <= 0 && !s.Has(RoleSystem) {
		return apperr.Unauthorized("act without a user")
	}
	return nil
}

func (s Scope) Has(role Role) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Privileged は全操作を許可されたスコープか。
func (s Scope) Privileged() bool {
	return s.SuperAdmin || s.Owner || s.Has(RoleSystem)
}

// Actor は監査ログ・遷移記録に残す文字列。
func (s Scope) Actor() string {
	if s.Has(RoleSystem) {
		return "system"
	}
	return "user:" + strconv.FormatInt(s.UserID, 10)
}
