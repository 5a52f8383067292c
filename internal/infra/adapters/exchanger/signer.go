package exchanger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names carried by every authenticated request.
const (
	HeaderAPIKey       = "X-API-KEY"
	HeaderAPITimestamp = "X-API-TIMESTAMP"
	HeaderAPISign      = "X-API-SIGN"
)

// Signer produces request signatures from the shared secret.
// The secret never leaves the signer except as an HMAC digest.
type Signer struct {
	apiKey string
	secret []byte
	now    func() time.Time
}

// NewSigner copies the secret into a new signer.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{
		apiKey: apiKey,
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Sign returns the lowercase hex HMAC-SHA256 of timestamp + METHOD + path + body.
func (s *Signer) Sign(method, path string, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	_, _ = mac.Write([]byte(strings.ToUpper(method)))
	_, _ = mac.Write([]byte(path))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers stamps a fresh unix-seconds timestamp and returns the authentication headers.
func (s *Signer) Headers(method, path string, body []byte) http.Header {
	ts := s.now().Unix()
	header := make(http.Header, 4)
	header.Set("Content-Type", "application/json")
	header.Set(HeaderAPIKey, s.apiKey)
	header.Set(HeaderAPITimestamp, strconv.FormatInt(ts, 10))
	header.Set(HeaderAPISign, s.Sign(method, path, body, ts))
	return header
}
