package httpx

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetReplacesCaseInsensitive(t *testing.T) {
	var h Headers
	h.Set("X-Api-Key", "a")
	h.Set("x-api-key", "b")
	assert.Len(t, h, 1)
	assert.Equal(t, "b", h.Get("X-API-KEY"))
	assert.Equal(t, "X-Api-Key", h[0].Name)
}

func TestOrderPreserved(t *testing.T) {
	var h Headers
	h.Set("Authorization", "Basic x")
	h.Set("Host", "svc.internal")
	h.Set("Accept", "application/json")
	names := []string{}
	for _, f := range h {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Authorization", "Host", "Accept"}, names)
}

func TestCloneIsIndependent(t *testing.T) {
	h := Headers{{"A", "1"}}
	c := h.Clone()
	c.Set("A", "2")
	assert.Equal(t, "1", h.Get("A"))
	assert.Nil(t, Headers(nil).Clone())
}

func TestApplyMapsHost(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1/", nil)
	Headers{{"Host", "svc.internal"}, {"x-api-key", "k"}}.Apply(req)
	assert.Equal(t, "svc.internal", req.Host)
	assert.Equal(t, "k", req.Header.Get("X-Api-Key"))
	assert.Empty(t, req.Header.Get("Host"))
}
