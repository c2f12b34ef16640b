package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"accountpilot/internal/account"
)

const graphBase = "https://graph.microsoft.com/v1.0"

// Microsoft reads an Outlook mailbox through Microsoft Graph using a stored
// OAuth refresh token.
type Microsoft struct {
	email string
	ts    oauth2.TokenSource
	http  *http.Client
	base  string
}

func NewMicrosoft(email, clientID, refreshToken, tenant string, s Settings) (*Microsoft, error) {
	if clientID == "" || refreshToken == "" {
		return nil, account.ErrOAuthMissing
	}
	if tenant == "" {
		tenant = account.DefaultTenant
	}
	hc, err := httpClient(s, true)
	if err != nil {
		return nil, err
	}
	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: microsoft.AzureADEndpoint(tenant),
		Scopes:   []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
	}
	// The token exchange goes through the same proxy as the API calls.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return &Microsoft{
		email: email,
		ts:    ts,
		http:  oauth2.NewClient(ctx, ts),
		base:  graphBase,
	}, nil
}

func (c *Microsoft) Provider() account.Provider { return account.ProviderMicrosoft }
func (c *Microsoft) Address() string            { return c.email }

type graphMessage struct {
	Subject          string    `json:"subject"`
	BodyPreview      string    `json:"bodyPreview"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

func (c *Microsoft) FetchCode(ctx context.Context, since time.Time) (string, error) {
	q := url.Values{}
	q.Set("$top", "10")
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$select", "subject,bodyPreview,receivedDateTime")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/me/messages?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("graph messages: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out struct {
		Value []graphMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("graph messages: %w", err)
	}
	for _, m := range out.Value {
		if !since.IsZero() && m.ReceivedDateTime.Before(since) {
			continue
		}
		if code := extractCode(m.Subject, m.BodyPreview); code != "" {
			return code, nil
		}
	}
	return "", ErrNoCode
}
