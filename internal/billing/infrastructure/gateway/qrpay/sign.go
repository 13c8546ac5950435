package qrpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SignatureType is sent in sign_type.
const SignatureType = "HMAC-SHA256"

// canonical renders params as sorted k=v pairs joined by '&', skipping empty
// values and the signature fields themselves.
func canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" || k == "sign" || k == "sign_type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the canonical form of params.
func Sign(params map[string]string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks params["sign"] in constant time.
func Verify(params map[string]string, secret string) bool {
	got, err := hex.DecodeString(strings.ToLower(params["sign"]))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(params, secret))
	return hmac.Equal(got, want)
}
