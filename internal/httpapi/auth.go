package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the Authorization header against the
// configured API token. Comparison is constant-time so the token
// cannot be probed byte by byte.
func authorizeBearer(authHeader, apiToken string) *authError {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if presented == "" || !hmac.Equal([]byte(presented), []byte(apiToken)) {
		return &authError{status: 401, code: "unauthorized", message: "invalid api token"}
	}
	return nil
}

// verifyNotionSignature checks the X-Notion-Signature header, which
// carries "sha256=" followed by the hex HMAC-SHA256 of the raw body
// under the webhook verification secret.
func verifyNotionSignature(secret, signature string, body []byte) *authError {
	if signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature"}
	}
	presented := strings.ToLower(strings.TrimPrefix(signature, "sha256="))

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}
