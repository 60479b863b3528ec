package mcpserver

import (
	"context"
)

// pingJob requests an SSE keep-alive comment line on its own ticker,
// keeping intermediary proxies and load balancers from treating an idle
// notification stream as dead. It never writes the stream itself: a
// session's http.ResponseWriter has exactly one writer goroutine (the
// handleGet loop), so the ping is handed off over a channel and drawn
// into that same loop alongside real notifications.
type pingJob struct {
	sessionID string
	ping      chan<- struct{}
}

func (j pingJob) Name() string { return "mcp-sse-keepalive:" + j.sessionID }

func (j pingJob) Run(ctx context.Context) error {
	select {
	case j.ping <- struct{}{}:
	case <-ctx.Done():
	}
	return nil
}
