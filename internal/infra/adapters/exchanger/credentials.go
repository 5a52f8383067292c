// Package exchanger adapts the exchange REST API and authenticated stream to dcabot events.
package exchanger

import (
	"net/url"
	"strings"

	"github.com/coachpo/dcabot/errs"
)

// Credentials authenticate REST calls against the exchange.
type Credentials struct {
	APIKey    string
	SecretKey string
	BaseURL   string
}

// String never reveals the secret.
func (c Credentials) String() string {
	return "Credentials{BaseURL:" + c.BaseURL + " APIKey:" + redact(c.APIKey) + " SecretKey:" + redact(c.SecretKey) + "}"
}

// GoString keeps %#v from printing the secret.
func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errs.Config("exchanger", "base_url required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errs.Config("exchanger", "api_key required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errs.Config("exchanger", "secret_key required")
	}
	parsed, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errs.New("exchanger", errs.CodeConfig,
			errs.WithMessage("base_url must be an absolute URL"),
			errs.WithField("base_url", c.BaseURL),
			errs.WithCause(err))
	}
	return nil
}

func redact(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****"
}
