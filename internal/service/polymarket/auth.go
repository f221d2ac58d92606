package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Credentials are the L2 API credentials derived for a wallet.
type Credentials struct {
	Address    string
	APIKey     string
	Secret     string
	Passphrase string
}

func (c Credentials) Valid() bool {
	return c.Address != "" && c.APIKey != "" && c.Secret != "" && c.Passphrase != ""
}

const (
	headerAddress    = "POLY_ADDRESS"
	headerSignature  = "POLY_SIGNATURE"
	headerTimestamp  = "POLY_TIMESTAMP"
	headerAPIKey     = "POLY_API_KEY"
	headerPassphrase = "POLY_PASSPHRASE"
)

// Sign computes the L2 signature: HMAC-SHA256 over timestamp + method + path + body,
// keyed with the URL-safe base64 decoded secret, encoded as URL-safe base64.
func Sign(secret string, ts int64, method, path, body string) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strconv.FormatInt(ts, 10) + strings.ToUpper(method) + path + body))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeSecret(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// l2Headers builds the authenticated header set for one request.
func l2Headers(c Credentials, now time.Time, method, path, body string) (map[string]string, error) {
	ts := now.Unix()
	sig, err := Sign(c.Secret, ts, method, path, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		headerAddress:    c.Address,
		headerSignature:  sig,
		headerTimestamp:  strconv.FormatInt(ts, 10),
		headerAPIKey:     c.APIKey,
		headerPassphrase: c.Passphrase,
		"Content-Type":   "application/json",
	}, nil
}
