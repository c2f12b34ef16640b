package account

import (
	"os"
	"strings"
	"time"
)

// ExpiryLayout is the stored format of expires_at.
const ExpiryLayout = "2006-01-02 15:04:05"

// ExpiryZone is the fixed zone expires_at is written in (UTC+8).
var ExpiryZone = time.FixedZone("UTC+8", 8*60*60)

// ExpiryTime parses the account's expires_at in ExpiryZone.
func (a Account) ExpiryTime() (time.Time, bool) {
	s := strings.TrimSpace(a.ExpiresAt)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(ExpiryLayout, s, ExpiryZone)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// HoursRemaining is the time left until expiry in hours (negative when expired).
func (a Account) HoursRemaining(now time.Time) (float64, bool) {
	t, ok := a.ExpiryTime()
	if !ok {
		return 0, false
	}
	return t.Sub(now).Hours(), true
}

// Due selects the ids of enabled, valid accounts expiring within window hours,
// keeping the stored order. Accounts without a parseable expiry are skipped.
func Due(list []Account, now time.Time, windowHours float64) []string {
	var out []string
	for _, a := range list {
		if a.Disabled || a.Validate() != nil {
			continue
		}
		left, ok := a.HoursRemaining(now)
		if !ok {
			continue
		}
		if left <= windowHours {
			out = append(out, a.ID)
		}
	}
	return out
}

// ExternalEnv is the environment variable that marks accounts as supplied by
// an outside system.
const ExternalEnv = "ACCOUNTS_CONFIG"

// ExternallyManaged reports whether ExternalEnv is set to a non-empty value.
func ExternallyManaged() bool {
	return strings.TrimSpace(os.Getenv(ExternalEnv)) != ""
}
