package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matst80/tunnelclient/internal/httpx"
	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/proto"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

const maxBodyBytes = 64 * 1024

// Prober classifies the access mode a gateway requires.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

// Probe issues one GET to the identity endpoint and maps the answer:
// 200 is public, 401 mentioning "session" is session, 401 mentioning
// "api key" is apikey. Anything else wraps tunnel.ErrAuthClassification.
func (p *Prober) Probe(ctx context.Context, remote string, headers httpx.Headers) (tunnel.AccessType, error) {
	status, body, err := getIdentity(ctx, p.Client, p.Timeout, proto.MeURL(remote, ""), headers)
	if err != nil {
		return tunnel.AccessUnset, fmt.Errorf("%w: %v", tunnel.ErrAuthClassification, err)
	}
	access, ok := classify(status, body)
	obs.Debug("auth.probe", obs.Fields{"remote": remote, "status": status, "access": string(access)})
	if !ok {
		return tunnel.AccessUnset, fmt.Errorf("%w: status %d", tunnel.ErrAuthClassification, status)
	}
	return access, nil
}

func classify(status int, body []byte) (tunnel.AccessType, bool) {
	switch status {
	case http.StatusOK:
		return tunnel.AccessPublic, true
	case http.StatusUnauthorized:
		text := strings.ToLower(string(body))
		if strings.Contains(text, "session") {
			return tunnel.AccessSession, true
		}
		if strings.Contains(text, "api key") {
			return tunnel.AccessAPIKey, true
		}
	}
	return tunnel.AccessUnset, false
}

// getIdentity performs the identity GET shared by probe and check.
func getIdentity(ctx context.Context, client *http.Client, timeout time.Duration, url string, headers httpx.Headers) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	headers.Apply(req)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
