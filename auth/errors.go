package auth

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/oauth2"
)

// ErrRenewNotSupported marks sessions that carry no refresh token (implicit
// flow); their only recovery is a fresh interactive sign-in.
var ErrRenewNotSupported = errors.New("auth: session cannot be renewed without a refresh token")

// AuthenticationError wraps a failure of one step of the interactive sign-in
// flow. The whole flow is all-or-nothing: when it surfaces, no session state
// was changed.
type AuthenticationError struct {
	Step string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %v", e.Step, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a transient transport failure, as
// opposed to the provider rejecting the request. The refresh path leaves the
// record intact on transport failures and retries on the next scheduled tick.
func IsNetworkError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// The provider answered; this is a rejection, not a network fault.
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
