package vault

import "errors"

var (
	// ErrNoToken indicates no credential record is present; the user must
	// sign in before the operation can succeed.
	ErrNoToken = errors.New("vault: no credential record")

	// ErrTokenExpired indicates a record is present but past its expiry and
	// no refresh has been attempted yet.
	ErrTokenExpired = errors.New("vault: access token expired")

	// ErrRefreshFailed indicates the provider rejected the refresh exchange;
	// the local session has been cleared and re-authentication is required.
	ErrRefreshFailed = errors.New("vault: token refresh failed")
)
