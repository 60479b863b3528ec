// This file implements the MCP server's HTTP transport: POST /mcp carries
// JSON-RPC requests with SSE-framed replies, GET /mcp opens the long-lived
// stream that carries server-initiated notifications, per the Streamable
// HTTP shape the session protocol is built on.
package mcpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drasi-project/mcp-reaction/internal/scheduler"
)

const (
	maxRequestBodyBytes = 10 * 1024 * 1024
	keepaliveInterval   = 15 * time.Second
)

// HTTPServer wraps a dispatch Server with the MCP Streamable HTTP
// transport: SSE-framed POST replies plus a long-lived GET SSE stream per
// session.
type HTTPServer struct {
	dispatch  *Server
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// NewHTTPServer creates an HTTP transport wrapper around dispatch.
func NewHTTPServer(dispatch *Server, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{
		dispatch:  dispatch,
		scheduler: scheduler.NewScheduler(logger),
		logger:    logger,
	}
}

// Handler returns the http.Handler serving /health, / and /mcp.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/mcp", h.handleMCP)
	return mux
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "OK",
		"sessions": h.dispatch.sessionCount(),
	})
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"name":       h.dispatch.info.Name,
		"version":    h.dispatch.info.Version,
		"mcpEndpoint": "/mcp",
	})
}

func (h *HTTPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	var peek struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		h.writeSSEError(w, ErrCodeParse, "Parse error", err.Error())
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if peek.Method != "initialize" && peek.Method != "" {
		if sessionID == "" || h.dispatch.lookupSession(sessionID) == nil {
			http.Error(w, "unknown or missing Mcp-Session-Id", http.StatusNotFound)
			return
		}
	}

	resp := h.dispatch.HandleMessage(r.Context(), sessionID, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if peek.Method == "initialize" && resp.Error == nil {
		sessionID = uuid.NewString()
		h.dispatch.createSession(sessionID)
		w.Header().Set("Mcp-Session-Id", sessionID)
	}

	h.writeSSE(w, resp)
}

// handleGet opens the long-lived SSE stream that carries server-initiated
// notifications for one session, established after initialize.
func (h *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "Accept header must include text/event-stream", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	sess := h.dispatch.lookupSession(sessionID)
	if sess == nil {
		http.Error(w, "unknown or missing Mcp-Session-Id", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	queue := sess.attachStream()
	h.logger.Info("sse stream attached", "session_id", sessionID)

	ping := make(chan struct{}, 1)
	stopPing := h.scheduler.Schedule(r.Context(), pingJob{sessionID: sessionID, ping: ping}, keepaliveInterval)
	defer stopPing()
	defer h.dispatch.closeSession(sessionID)

	// w is written from this goroutine alone: real notifications and
	// keep-alive pings are both drawn into this one select loop so no
	// second goroutine ever touches the ResponseWriter concurrently.
	for {
		select {
		case n, ok := <-queue.out:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, n); err != nil {
				h.logger.Warn("sse write failed", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		case <-ping:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				h.logger.Warn("sse keep-alive write failed", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *HTTPServer) writeSSE(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := writeSSEFrame(w, resp); err != nil {
		h.logger.Error("failed to write SSE response", "error", err)
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *HTTPServer) writeSSEError(w http.ResponseWriter, code int, message string, data any) {
	h.writeSSE(w, &Response{JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message, Data: data}})
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

// writeSSEFrame frames v as a single "event: message" SSE entry: one
// data: line carrying the whole JSON-RPC reply, so clients that parse the
// body as plain JSON fail loudly instead of silently misreading a partial
// frame.
func writeSSEFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding sse frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
	return err
}
