package web

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name, Transport, Local, Remote, Target, Access string
	Active                                         int
	Since                                          time.Time
}

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "status", map[string]any{
		"Title":   "tunnels",
		"Queued":  1,
		"Tunnels": []row{{Name: "db", Transport: "tcp", Local: "127.0.0.1:2222", Access: "apikey", Active: 3, Since: time.Now()}},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "<title>tunnels</title>")
	assert.Contains(t, out, "<td>db</td>")
	assert.Contains(t, out, "<td>127.0.0.1:2222</td>")
	assert.Contains(t, out, "restarts queued: 1")
	assert.Contains(t, out, "rendered ")
}

func TestRenderEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "status", map[string]any{"Title": "tunnels"}))
	assert.Contains(t, buf.String(), "No tunnel is running.")
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Render(&buf, "missing", nil))
}
