package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"orderflow/internal/domain/apperr"
)

// Sign は rawBody の HMAC-SHA256 を16進で返す。
func Sign(secret, rawBody []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature は定数時間で比較する。"sha256=" 接頭辞も受け付ける。
func VerifySignature(secret, rawBody []byte, signature string) error {
	if len(secret) == 0 {
		return apperr.New(apperr.KindInvalidSignature, "webhook secret is not configured")
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if sig == "" {
		return apperr.New(apperr.KindInvalidSignature, "missing signature")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return apperr.New(apperr.KindInvalidSignature, "malformed signature")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperr.New(apperr.KindInvalidSignature, "signature mismatch")
	}
	return nil
}
