package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
)

// sign computes the API-Sign header:
// base64(HMAC-SHA512(path + SHA256(nonce + postdata), secret)).
func sign(path, nonce, payload string, secret []byte) string {
	sha := sha256.Sum256([]byte(nonce + payload))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("kraken: api secret is not valid base64: %w", err)
	}
	return out, nil
}
