package mail

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"accountpilot/internal/account"
)

// DuckMail talks to a mail.tm compatible API.
type DuckMail struct {
	base      string
	apiKey    string
	userAgent string
	http      *http.Client

	mu       sync.Mutex
	email    string
	password string
	token    string
}

func NewDuckMail(s Settings) (*DuckMail, error) {
	base := strings.TrimRight(strings.TrimSpace(s.DuckMailBaseURL), "/")
	if base == "" {
		base = "https://api.duckmail.sbs"
	}
	hc, err := httpClient(s, s.DuckMailVerifySSL)
	if err != nil {
		return nil, err
	}
	return &DuckMail{base: base, apiKey: strings.TrimSpace(s.DuckMailAPIKey), userAgent: s.UserAgent, http: hc}, nil
}

func (c *DuckMail) Provider() account.Provider { return account.ProviderDuckMail }

func (c *DuckMail) SetCredentials(email, password string) {
	c.mu.Lock()
	c.email, c.password, c.token = email, password, ""
	c.mu.Unlock()
}

func (c *DuckMail) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.email
}

func (c *DuckMail) Password() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password
}

type hydra[T any] struct {
	Members []T `json:"hydra:member"`
}

type domainInfo struct {
	Domain   string `json:"domain"`
	IsActive bool   `json:"isActive"`
}

// Register creates a random mailbox on domain (or the first active domain).
func (c *DuckMail) Register(ctx context.Context, domain string) error {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		var doms hydra[domainInfo]
		if err := c.do(ctx, http.MethodGet, "/domains", "", nil, &doms); err != nil {
			return fmt.Errorf("list domains: %w", err)
		}
		for _, d := range doms.Members {
			if d.IsActive && d.Domain != "" {
				domain = d.Domain
				break
			}
		}
		if domain == "" {
			return errors.New("no active domain available")
		}
	}

	email := randomString(10, lowerDigits) + "@" + domain
	password := randomString(14, lowerDigits+"ABCDEFGHJKLMNPQRSTUVWXYZ")
	body := map[string]string{"address": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/accounts", "", body, nil); err != nil {
		return fmt.Errorf("create mailbox: %w", err)
	}
	c.SetCredentials(email, password)
	if _, err := c.login(ctx); err != nil {
		return err
	}
	return nil
}

func (c *DuckMail) login(ctx context.Context) (string, error) {
	c.mu.Lock()
	email, password, token := c.email, c.password, c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if email == "" || password == "" {
		return "", ErrNotAuthenticated
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/token", "", map[string]string{"address": email, "password": password}, &out); err != nil {
		return "", fmt.Errorf("mailbox login: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("mailbox login: empty token")
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out.Token, nil
}

type messageSummary struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Intro     string    `json:"intro"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *DuckMail) FetchCode(ctx context.Context, since time.Time) (string, error) {
	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	var msgs hydra[messageSummary]
	if err := c.do(ctx, http.MethodGet, "/messages", token, nil, &msgs); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs.Members {
		if !since.IsZero() && m.CreatedAt.Before(since) {
			continue
		}
		if code := extractCode(m.Subject, m.Intro); code != "" {
			return code, nil
		}
		var full struct {
			Text string `json:"text"`
		}
		if err := c.do(ctx, http.MethodGet, "/messages/"+m.ID, token, nil, &full); err != nil {
			return "", fmt.Errorf("read message: %w", err)
		}
		if code := extractCode(full.Text); code != "" {
			return code, nil
		}
	}
	return "", ErrNoCode
}

func (c *DuckMail) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	switch {
	case bearer != "":
		req.Header.Set("Authorization", "Bearer "+bearer)
	case c.apiKey != "":
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

const lowerDigits = "abcdefghijkmnopqrstuvwxyz23456789"

func randomString(n int, alphabet string) string {
	var sb strings.Builder
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			sb.WriteByte(alphabet[i%len(alphabet)])
			continue
		}
		sb.WriteByte(alphabet[v.Int64()])
	}
	return sb.String()
}
