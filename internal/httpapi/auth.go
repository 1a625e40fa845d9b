package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the request against the configured API token. With no
// token configured every request is allowed. Browsers cannot set headers on a
// websocket upgrade, so allowQuery also accepts ?token=.
func authorizeBearer(r *http.Request, token string, allowQuery bool) *authError {
	if token == "" {
		return nil
	}
	presented := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if allowQuery {
		presented = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if presented == "" {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "token mismatch",
		}
	}
	return nil
}
