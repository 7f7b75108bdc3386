package auth

import (
	"net/url"

	"github.com/matst80/tunnelclient/internal/httpx"
	"github.com/matst80/tunnelclient/internal/proto"
)

// Context is the authentication material one bridge attaches to its
// identity checks and WebSocket upgrades. A bridge owns its Context.
type Context struct {
	Headers      httpx.Headers
	SessionToken string
}

// QueryFragment is the query string part carrying the session token, or empty.
func (c Context) QueryFragment() string {
	if c.SessionToken == "" {
		return ""
	}
	return url.Values{proto.TokenParam: {c.SessionToken}}.Encode()
}

// Clone returns a Context sharing nothing with c.
func (c Context) Clone() Context {
	return Context{Headers: c.Headers.Clone(), SessionToken: c.SessionToken}
}
