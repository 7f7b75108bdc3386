package httpx

import (
	"net/http"
	"strings"
)

// Header represents a single HTTP header field (case preserved as given).
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Lookups are case-insensitive.
type Headers []Header

// Get returns the first value associated with name (case-insensitive) or empty.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Set sets (replaces) a header in place or appends it.
func (h *Headers) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return append(Headers(nil), h...)
}

// HTTPHeader converts to net/http form. A Host entry is kept; gorilla's
// dialer maps it onto the request host.
func (h Headers) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// Apply copies the headers onto req. Host becomes req.Host since net/http
// ignores a Host header field on outgoing requests.
func (h Headers) Apply(req *http.Request) {
	for _, f := range h {
		if strings.EqualFold(f.Name, "Host") {
			req.Host = f.Value
			continue
		}
		req.Header.Add(f.Name, f.Value)
	}
}
