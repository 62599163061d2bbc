package event

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

const (
	HeaderPaystackSignature = "x-paystack-signature"
	HeaderWebhookSignature  = "X-Webhook-Signature"
)

// SignSHA512 returns the hex HMAC-SHA512 Paystack puts in x-paystack-signature.
func SignSHA512(secret string, body []byte) string {
	return sign(sha512.New, secret, body)
}

// SignSHA256 returns the hex HMAC-SHA256 used for X-Webhook-Signature.
func SignSHA256(secret string, body []byte) string {
	return sign(sha256.New, secret, body)
}

func VerifySHA512(secret string, body []byte, signature string) bool {
	return verify(SignSHA512(secret, body), signature)
}

func VerifySHA256(secret string, body []byte, signature string) bool {
	return verify(SignSHA256(secret, body), signature)
}

func sign(h func() hash.Hash, secret string, body []byte) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(expected, signature string) bool {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
