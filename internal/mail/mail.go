package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"accountpilot/internal/account"
)

var (
	ErrNoCode           = errors.New("verification code not received")
	ErrNotAuthenticated = errors.New("mailbox credentials not set")
)

// Client is a mailbox bound to one identity. The automation engine asks it for
// the verification code sent during sign-in.
type Client interface {
	Provider() account.Provider
	Address() string
	// FetchCode returns the newest verification code received after since.
	FetchCode(ctx context.Context, since time.Time) (string, error)
}

// Registrar creates new mailboxes.
type Registrar interface {
	Client
	Register(ctx context.Context, domain string) error
	Password() string
}

// Settings is the mail part of a batch's configuration snapshot.
type Settings struct {
	DuckMailBaseURL   string
	DuckMailAPIKey    string
	DuckMailVerifySSL bool
	Proxy             string
	UserAgent         string
	RequestTimeout    time.Duration
}

// ForAccount builds the mail client matching the account's mailbox.
func ForAccount(a account.Account, s Settings) (Client, error) {
	switch m := a.Mailbox.(type) {
	case *account.DuckMail:
		c, err := NewDuckMail(s)
		if err != nil {
			return nil, err
		}
		c.SetCredentials(m.Email, m.Password)
		return c, nil
	case *account.Microsoft:
		return NewMicrosoft(m.Email, m.ClientID, m.RefreshToken, m.Tenant, s)
	default:
		return nil, account.ErrUnsupportedProvider
	}
}

func httpClient(s Settings, verifySSL bool) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(s.Proxy); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", p, err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	if !verifySSL {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-out
	}
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}

var reCode = regexp.MustCompile(`\b([A-Z0-9]{6})\b`)

// extractCode finds a six character verification code. Codes made only of
// letters are ignored so subjects like "SIGNIN" don't match.
func extractCode(texts ...string) string {
	for _, t := range texts {
		for _, m := range reCode.FindAllStringSubmatch(t, -1) {
			if strings.ContainsAny(m[1], "0123456789") {
				return m[1]
			}
		}
	}
	return ""
}
