package kiro

import "time"

const (
	// expiredWindow treats tokens within 5 minutes of expiry as expired.
	expiredWindow = 5 * time.Minute
	// expiringSoonWindow triggers a proactive refresh within 10 minutes.
	expiringSoonWindow = 10 * time.Minute
)

// expiringWithin reports whether the token expires within d. The second
// result is false when expiresAt is absent or unparseable.
func expiringWithin(creds Credentials, d time.Duration) (bool, bool) {
	if creds.ExpiresAt == "" {
		return false, false
	}
	expires, err := time.Parse(time.RFC3339, creds.ExpiresAt)
	if err != nil {
		return false, false
	}
	return !expires.After(time.Now().Add(d)), true
}

// IsTokenExpired reports whether the access token is expired or within
// 5 minutes of expiry. Absent or unparseable expiresAt counts as expired.
func IsTokenExpired(creds Credentials) bool {
	within, ok := expiringWithin(creds, expiredWindow)
	if !ok {
		return true
	}
	return within
}

// IsTokenExpiringSoon reports whether the access token expires within
// 10 minutes. Absent expiresAt counts as not-expiring-soon (it is
// already covered by IsTokenExpired).
func IsTokenExpiringSoon(creds Credentials) bool {
	within, ok := expiringWithin(creds, expiringSoonWindow)
	if !ok {
		return false
	}
	return within
}

// NeedsRefresh reports whether the token should be refreshed before use.
func NeedsRefresh(creds Credentials) bool {
	return IsTokenExpired(creds) || IsTokenExpiringSoon(creds)
}
