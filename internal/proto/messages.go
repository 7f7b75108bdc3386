package proto

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// MePath answers 200 + Identity when the caller is authorised.
	MePath = "/.well-known/otoroshi/me"
	// TunnelPath is the WebSocket upgrade endpoint carrying one flow.
	TunnelPath = "/.well-known/otoroshi/tunnel"
	// TokenParam carries a browser session token on both endpoints.
	TokenParam = "pappsToken"
	// LoginRedirect is the out-of-band redirect asked for when logging in.
	LoginRedirect = "urn:ietf:wg:oauth:2.0:oob"
)

// Identity is the JSON document returned by the identity endpoint. Only the
// raw map is kept; the client never interprets it beyond "it parsed".
type Identity map[string]any

// TunnelQuery is the query string of the tunnel endpoint, less the auth part.
type TunnelQuery struct {
	RemoteHost string
	RemotePort string
	Transport  string
}

// Values encodes q, omitting empty parameters.
func (q TunnelQuery) Values() url.Values {
	v := url.Values{}
	if q.RemoteHost != "" {
		v.Set("remoteHost", q.RemoteHost)
	}
	if q.RemotePort != "" {
		v.Set("remotePort", q.RemotePort)
	}
	if q.Transport != "" {
		v.Set("transport", q.Transport)
	}
	return v
}

// MeURL returns the identity endpoint for remote followed by authQuery, an
// already encoded query fragment. ws(s) remotes are mapped onto http(s).
func MeURL(remote, authQuery string) string {
	return withQuery(HTTPBase(remote)+MePath, authQuery)
}

// TunnelURL returns the WebSocket endpoint for remote and q, followed by
// authQuery.
func TunnelURL(remote string, q TunnelQuery, authQuery string) (string, error) {
	ws, err := WebSocketBase(remote)
	if err != nil {
		return "", err
	}
	return withQuery(ws+TunnelPath, q.Values().Encode(), authQuery), nil
}

func withQuery(u string, parts ...string) string {
	var qs []string
	for _, p := range parts {
		if p != "" {
			qs = append(qs, p)
		}
	}
	if len(qs) == 0 {
		return u
	}
	return u + "?" + strings.Join(qs, "&")
}

// HTTPBase maps a ws(s) remote onto http(s). Other remotes pass through.
func HTTPBase(remote string) string {
	r := strings.TrimRight(remote, "/")
	switch lower := strings.ToLower(r); {
	case strings.HasPrefix(lower, "ws://"):
		return "http://" + r[len("ws://"):]
	case strings.HasPrefix(lower, "wss://"):
		return "https://" + r[len("wss://"):]
	}
	return r
}

// WebSocketBase maps an http(s) remote onto ws(s). ws(s) remotes pass through.
func WebSocketBase(remote string) (string, error) {
	u, err := url.Parse(strings.TrimRight(remote, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid remote %q: %w", remote, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid remote %q: unsupported scheme %q", remote, u.Scheme)
	}
	return u.String(), nil
}

// LoginURL is the page a human opens to obtain a session token.
func LoginURL(remote string) string {
	return HTTPBase(remote) + "/?" + url.Values{"redirect": {LoginRedirect}}.Encode()
}

// IsInsecure reports whether remote uses a plaintext scheme.
func IsInsecure(remote string) bool {
	r := strings.ToLower(remote)
	return strings.HasPrefix(r, "http://") || strings.HasPrefix(r, "ws://")
}

// SecureAlternative suggests the TLS form of an insecure remote.
func SecureAlternative(remote string) string {
	switch {
	case strings.HasPrefix(remote, "http://"):
		return "https://" + strings.TrimPrefix(remote, "http://")
	case strings.HasPrefix(remote, "ws://"):
		return "wss://" + strings.TrimPrefix(remote, "ws://")
	}
	return remote
}
