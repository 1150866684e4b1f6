package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/tenant"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

const (
	CtxScopeKey  = "tenant_scope" // tenant.Scope
	CtxUserIDKey = "user_id"      // int64
)

// bearerAuth用のJWT検証ミドルウェア。
// claims から組織・店舗・ロールを読み、tenant.Scope として context に置く。
func AuthJWT(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			//Authorizationヘッダを取得
			authz := c.Request().Header.Get("Authorization")
			if authz == "" {
				return unauthorized(c)
			}

			//Bearer形式か確認してtokenを抜く
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return unauthorized(c)
			}
			rawToken := strings.TrimSpace(parts[1])
			if rawToken == "" {
				return unauthorized(c)
			}

			//JWTをパースして検証する
			token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || token == nil || !token.Valid {
				return unauthorized(c)
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				return unauthorized(c)
			}

			scope, err := scopeFromClaims(claims)
			if err != nil {
				return unauthorized(c)
			}

			//テナントのないトークンは通さない
			if scope.OrganizationID <= 0 || scope.StoreID <= 0 {
				return c.JSON(http.StatusForbidden, errorJSON(apperr.CodeNotFound, "tenant scope is required"))
			}

			c.Set(CtxScopeKey, scope)
			c.Set(CtxUserIDKey, scope.UserID)
			return next(c)
		}
	}
}

// ScopeFrom は AuthJWT が置いたスコープを取り出す。
func ScopeFrom(c echo.Context) (tenant.Scope, bool) {
	s, ok := c.Get(CtxScopeKey).(tenant.Scope)
	return s, ok
}

func scopeFromClaims(claims jwt.MapClaims) (tenant.Scope, error) {
	userID, err := parseInt64(claims["sub"])
	if err != nil || userID <= 0 {
		return tenant.Scope{}, errors.New("invalid sub")
	}
	org, err := parseInt64(claims["org"])
	if err != nil {
		return tenant.Scope{}, errors.New("invalid org")
	}
	store, err := parseInt64(claims["store"])
	if err != nil {
		return tenant.Scope{}, errors.New("invalid store")
	}
	roles, err := parseRoles(claims["roles"])
	if err != nil {
		return tenant.Scope{}, err
	}

	return tenant.Scope{
		OrganizationID: org,
		StoreID:        store,
		UserID:         userID,
		Roles:          roles,
		SuperAdmin:     parseBool(claims["super_admin"]),
		Owner:          parseBool(claims["owner"]),
	}, nil
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func errorJSON(code, msg string) errorResponse {
	return errorResponse{Code: code, Error: msg}
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, errorJSON(apperr.CodeUnauthorizedAction, "unauthorized"))
}

func parseInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, errors.New("invalid int")
	}
}

// roles は配列でもカンマ区切りでも受ける。未知のロールは無視する
func parseRoles(v interface{}) ([]tenant.Role, error) {
	var raw []string
	switch t := v.(type) {
	case nil:
	case string:
		raw = strings.Split(t, ",")
	case []interface{}:
		for _, r := range t {
			s, ok := r.(string)
			if !ok {
				return nil, errors.New("invalid roles")
			}
			raw = append(raw, s)
		}
	default:
		return nil, errors.New("invalid roles")
	}

	var roles []tenant.Role
	for _, s := range raw {
		// system はトークンからは名乗れない
		if r := tenant.ParseRole(s); r != "" && r != tenant.RoleSystem {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func parseBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}
