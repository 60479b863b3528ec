package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/drasi-project/mcp-reaction/internal/store"
	"github.com/drasi-project/mcp-reaction/internal/uri"
)

const protocolVersion = "2024-11-05"

// Server implements the MCP JSON-RPC dispatch over the shared Resource
// Store. It is transport-agnostic: HTTPServer (http.go) is the only
// caller, wrapping it with the Streamable-HTTP + SSE transport.
type Server struct {
	store        *store.Store
	reactionName string
	info         ServerInfo
	listChanged  bool
	logger       *slog.Logger

	sessMu   sync.RWMutex
	sessions map[string]*session

	stopFanout func()
}

// NewServer creates a dispatch Server bound to store. listChanged controls
// whether notifications/resources/list_changed is advertised and sent.
func NewServer(st *store.Store, reactionName string, info ServerInfo, listChanged bool, logger *slog.Logger) *Server {
	s := &Server{
		store:        st,
		reactionName: reactionName,
		info:         info,
		listChanged:  listChanged,
		logger:       logger,
		sessions:     make(map[string]*session),
	}
	s.startFanout()
	return s
}

// Close stops the store-signal fan-out goroutine.
func (s *Server) Close() {
	if s.stopFanout != nil {
		s.stopFanout()
	}
}

// HandleMessage parses and dispatches one JSON-RPC request. An empty
// sessionID is accepted here; only resources/subscribe and
// resources/unsubscribe reject a sessionID with no known session
// (HTTPServer requires a known session for every method but initialize).
// Returns nil for notifications, which get no reply.
func (s *Server) HandleMessage(ctx context.Context, sessionID string, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("failed to parse JSON-RPC request", "error", err)
		return &Response{JSONRPC: "2.0", Error: &RPCError{Code: ErrCodeParse, Message: "Parse error", Data: err.Error()}}
	}

	if req.ID == nil || string(req.ID) == "null" {
		s.logger.Debug("received notification", "method", req.Method)
		return nil
	}

	result, rpcErr := s.dispatch(ctx, sessionID, &req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, sessionID string, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "resources/list":
		return s.handleResourcesList()
	case "resources/templates/list":
		return s.handleResourceTemplatesList()
	case "resources/read":
		return s.handleResourcesRead(req.Params)
	case "resources/subscribe":
		return s.handleResourcesSubscribe(sessionID, req.Params)
	case "resources/unsubscribe":
		return s.handleResourcesUnsubscribe(sessionID, req.Params)
	case "tools/list":
		return s.handleToolsList()
	case "tools/call":
		return s.handleToolsCall(req.Params)
	case "prompts/list":
		return &PromptsListResult{Prompts: []PromptDefinition{}}, nil
	default:
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var initParams InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid initialize params", Data: err.Error()}
		}
	}

	s.logger.Info("client connecting",
		"client", initParams.ClientInfo.Name,
		"protocol_version", initParams.ProtocolVersion,
	)

	return &InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: ServerCapability{
			Resources: ResourcesCapability{Subscribe: true, ListChanged: s.listChanged},
			Tools:     ToolsCapability{},
			Prompts:   PromptsCapability{},
		},
		ServerInfo: s.info,
	}, nil
}

func (s *Server) handleResourcesList() (any, *RPCError) {
	metas := s.store.ListQueries()
	resources := make([]ResourceDefinition, 0, len(metas))
	for _, m := range metas {
		mimeType := m.ContentType
		if mimeType == "" {
			mimeType = "application/json"
		}
		resources = append(resources, ResourceDefinition{
			URI:         uri.QueryURI(s.reactionName, m.QueryID).String(),
			Name:        m.QueryID,
			Description: m.Description,
			MimeType:    mimeType,
		})
	}
	return &ResourcesListResult{Resources: resources}, nil
}

func (s *Server) handleResourceTemplatesList() (any, *RPCError) {
	return &ResourceTemplatesListResult{
		ResourceTemplates: []ResourceTemplate{
			{
				URITemplate: fmt.Sprintf("drasi://%s/entries/{queryId}/{entryKey}", s.reactionName),
				Name:        "query-entry",
				Description: "A single materialised row from a query's result set.",
				MimeType:    "application/json",
			},
		},
	}, nil
}

func (s *Server) handleResourcesRead(params json.RawMessage) (any, *RPCError) {
	var p ResourcesReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid resources/read params", Data: err.Error()}
	}

	parsed, err := uri.Parse(p.URI)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Unknown resource URI"}
	}

	data, err := s.store.GetResourceByUri(parsed)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Unknown resource URI"}
	}

	contentType := "application/json"
	if parsed.Kind == uri.Query {
		if meta, ok := s.store.GetQueryMetadata(parsed.QueryID); ok && meta.ContentType != "" {
			contentType = meta.ContentType
		}
	}

	text, mErr := json.Marshal(data)
	if mErr != nil {
		return nil, &RPCError{Code: ErrCodeInternal, Message: fmt.Sprintf("encoding resource: %v", mErr)}
	}

	return &ResourcesReadResult{
		Contents: []ResourceContent{{URI: p.URI, MimeType: contentType, Text: string(text)}},
	}, nil
}

func (s *Server) handleResourcesSubscribe(sessionID string, params json.RawMessage) (any, *RPCError) {
	var p ResourcesSubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid resources/subscribe params", Data: err.Error()}
	}
	sess := s.lookupSession(sessionID)
	if sess == nil {
		return nil, &RPCError{Code: ErrCodeInvalidRequest, Message: "unknown session"}
	}
	sess.subscribe(p.URI)
	return map[string]any{}, nil
}

func (s *Server) handleResourcesUnsubscribe(sessionID string, params json.RawMessage) (any, *RPCError) {
	var p ResourcesUnsubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid resources/unsubscribe params", Data: err.Error()}
	}
	sess := s.lookupSession(sessionID)
	if sess == nil {
		return nil, &RPCError{Code: ErrCodeInvalidRequest, Message: "unknown session"}
	}
	sess.unsubscribe(p.URI)
	return map[string]any{}, nil
}

func (s *Server) handleToolsList() (any, *RPCError) {
	metas := s.store.ListQueries()
	tools := make([]ToolDefinition, 0, len(metas))
	for _, m := range metas {
		tools = append(tools, toolDefinitionFor(m))
	}
	return &ToolsListResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(params json.RawMessage) (any, *RPCError) {
	var call ToolsCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid tools/call params", Data: err.Error()}
	}

	queryID, ok := queryIDFromToolName(call.Name)
	if !ok {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", call.Name)}
	}

	var args toolCallArgs
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid tool arguments", Data: err.Error()}
		}
	}

	result, err := runQueryTool(s.store, queryID, args)
	if err != nil {
		if errors.Is(err, store.ErrUnknownQuery) {
			return ErrorResult(fmt.Sprintf("unknown query: %s", queryID)), nil
		}
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}
