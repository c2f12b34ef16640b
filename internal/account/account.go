package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

type Provider string

const (
	ProviderDuckMail  Provider = "duckmail"
	ProviderMicrosoft Provider = "microsoft"
)

const DefaultTenant = "consumers"

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrOAuthMissing        = errors.New("microsoft oauth missing")
	ErrPasswordMissing     = errors.New("mail password missing")
)

// Mailbox is the provider-specific part of an account: *DuckMail or *Microsoft.
type Mailbox interface {
	Provider() Provider
	Address() string
	validate() error
}

type DuckMail struct {
	Email    string
	Password string
}

func (*DuckMail) Provider() Provider { return ProviderDuckMail }
func (m *DuckMail) Address() string  { return m.Email }
func (m *DuckMail) validate() error {
	if m.Password == "" {
		return ErrPasswordMissing
	}
	return nil
}

type Microsoft struct {
	Email        string
	ClientID     string
	RefreshToken string
	Tenant       string
}

func (*Microsoft) Provider() Provider { return ProviderMicrosoft }
func (m *Microsoft) Address() string  { return m.Email }
func (m *Microsoft) validate() error {
	if m.ClientID == "" || m.RefreshToken == "" {
		return ErrOAuthMissing
	}
	return nil
}

// Account is one stored identity.
//
// The mailbox is resolved once when the record is decoded. Everything the
// automation extracted (session cookies, config ids, ...) lives in Fields and
// round-trips untouched.
type Account struct {
	ID        string
	Disabled  bool
	ExpiresAt string

	Mailbox Mailbox
	// providerTag is the explicit tag when it names an unknown provider.
	providerTag string
	// extra holds stored mailbox keys the resolved variant does not model,
	// such as a microsoft account's mail_password. They are written back as read.
	extra map[string]any

	Fields map[string]any
}

// Keys owned by the account record itself; never copied from automation output.
var reservedKeys = map[string]bool{
	"id":                 true,
	"disabled":           true,
	"expires_at":         true,
	"mail_provider":      true,
	"mail_address":       true,
	"mail_password":      true,
	"email_password":     true,
	"mail_client_id":     true,
	"mail_refresh_token": true,
	"mail_tenant":        true,
}

// mailboxKeys are the reserved keys describing the mailbox.
var mailboxKeys = map[string]bool{
	"mail_address":       true,
	"mail_password":      true,
	"email_password":     true,
	"mail_client_id":     true,
	"mail_refresh_token": true,
	"mail_tenant":        true,
}

// modeledKeys lists, per provider, the mailbox keys Config writes itself.
// email_password is folded into mail_password for duckmail.
var modeledKeys = map[Provider]map[string]bool{
	ProviderDuckMail: {
		"mail_address":   true,
		"mail_password":  true,
		"email_password": true,
	},
	ProviderMicrosoft: {
		"mail_address":       true,
		"mail_client_id":     true,
		"mail_refresh_token": true,
		"mail_tenant":        true,
	},
}

// Validate reports whether the account carries usable mailbox credentials.
func (a Account) Validate() error {
	if a.Mailbox == nil {
		if a.providerTag != "" {
			return fmt.Errorf("%w: %s", ErrUnsupportedProvider, a.providerTag)
		}
		return ErrUnsupportedProvider
	}
	return a.Mailbox.validate()
}

func (a Account) Provider() Provider {
	if a.Mailbox == nil {
		return ""
	}
	return a.Mailbox.Provider()
}

// MergeCredentials copies freshly extracted credential fields into the account.
// Mailbox data, the id and the disabled flag are kept as they are.
func (a *Account) MergeCredentials(cfg map[string]any) {
	if a.Fields == nil {
		a.Fields = map[string]any{}
	}
	for k, v := range cfg {
		if k == "expires_at" {
			if s, ok := v.(string); ok {
				a.ExpiresAt = s
			}
			continue
		}
		if reservedKeys[k] {
			continue
		}
		a.Fields[k] = v
	}
}

// Config returns the flat, stored representation of the account.
func (a Account) Config() map[string]any {
	out := make(map[string]any, len(a.Fields)+len(a.extra)+4)
	maps.Copy(out, a.Fields)
	maps.Copy(out, a.extra)
	out["id"] = a.ID
	out["disabled"] = a.Disabled
	if a.ExpiresAt != "" {
		out["expires_at"] = a.ExpiresAt
	}
	switch m := a.Mailbox.(type) {
	case *DuckMail:
		out["mail_provider"] = string(ProviderDuckMail)
		out["mail_password"] = m.Password
		if m.Email != "" && m.Email != a.ID {
			out["mail_address"] = m.Email
		}
	case *Microsoft:
		out["mail_provider"] = string(ProviderMicrosoft)
		out["mail_address"] = m.Email
		out["mail_client_id"] = m.ClientID
		out["mail_refresh_token"] = m.RefreshToken
		out["mail_tenant"] = m.Tenant
	default:
		if a.providerTag != "" {
			out["mail_provider"] = a.providerTag
		}
	}
	return out
}

func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Config())
}

func (a *Account) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	acc, err := FromMap(raw)
	if err != nil {
		return err
	}
	*a = acc
	return nil
}

// FromMap decodes a flat account record and resolves its mailbox.
func FromMap(raw map[string]any) (Account, error) {
	a := Account{Fields: map[string]any{}}
	for k, v := range raw {
		if !reservedKeys[k] {
			a.Fields[k] = v
		}
	}
	a.ID = str(raw["id"])
	if a.ID == "" {
		return Account{}, errors.New("account id required")
	}
	a.ExpiresAt = str(raw["expires_at"])
	switch v := raw["disabled"].(type) {
	case bool:
		a.Disabled = v
	case string:
		a.Disabled = strings.EqualFold(v, "true") || v == "1"
	case float64:
		a.Disabled = v != 0
	}

	password := str(raw["mail_password"])
	if password == "" {
		password = str(raw["email_password"])
	}
	clientID := str(raw["mail_client_id"])
	refreshToken := str(raw["mail_refresh_token"])
	address := str(raw["mail_address"])
	if address == "" {
		address = a.ID
	}

	tag := Provider(strings.ToLower(str(raw["mail_provider"])))
	if tag == "" {
		switch {
		case clientID != "" || refreshToken != "":
			tag = ProviderMicrosoft
		case password != "":
			tag = ProviderDuckMail
		}
	}

	switch tag {
	case ProviderMicrosoft:
		tenant := str(raw["mail_tenant"])
		if tenant == "" {
			tenant = DefaultTenant
		}
		a.Mailbox = &Microsoft{Email: address, ClientID: clientID, RefreshToken: refreshToken, Tenant: tenant}
	case ProviderDuckMail:
		a.Mailbox = &DuckMail{Email: address, Password: password}
	default:
		a.providerTag = string(tag)
	}

	modeled := modeledKeys[a.Provider()]
	for k, v := range raw {
		if mailboxKeys[k] && !modeled[k] {
			if a.extra == nil {
				a.extra = map[string]any{}
			}
			a.extra[k] = v
		}
	}
	return a, nil
}

// NewProvisioned builds the record for a freshly registered DuckMail identity.
// The id comes from the automation output when present.
func NewProvisioned(cfg map[string]any, email, password string) Account {
	id := str(cfg["id"])
	if id == "" {
		id = email
	}
	a := Account{ID: id, Mailbox: &DuckMail{Email: email, Password: password}}
	a.MergeCredentials(cfg)
	return a
}

// Find returns the index of the account with id, or -1.
func Find(list []Account, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// Upsert replaces the account with the same id or appends it.
func Upsert(list []Account, acc Account) []Account {
	if i := Find(list, acc.ID); i >= 0 {
		list[i] = acc
		return list
	}
	return append(list, acc)
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}
