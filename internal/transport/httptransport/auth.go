package httptransport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signBody computes an HMAC-SHA256 signature of body using secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyBody checks that signature is a valid HMAC-SHA256 of body.
func verifyBody(secret string, body []byte, signature string) bool {
	expected := signBody(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
