package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/standardbeagle/mcpd-bridge/internal/bridge"
)

// JSON-RPC 2.0 message types
type JSONRPCMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

const mcpProtocolVersion = "2024-11-05"

// handleMCPUnified serves JSON-RPC over POST /mcp against the unified,
// always-namespaced catalog.
func (s *Server) handleMCPUnified(w http.ResponseWriter, r *http.Request) {
	s.serveMCP(w, r, s.unified)
}

// handleMCPPartner serves JSON-RPC over POST /partner/{partner}/{server}/mcp
// against a single server.
func (s *Server) handleMCPPartner(w http.ResponseWriter, r *http.Request) {
	server := mux.Vars(r)["server"]
	s.serveMCP(w, r, s.translatorFor(server))
}

// handleAPIMCP serves JSON-RPC over POST /api/mcp; the X-MCP-Server header
// selects an individual target, otherwise the unified catalog answers.
func (s *Server) handleAPIMCP(w http.ResponseWriter, r *http.Request) {
	translator := s.unified
	if server := r.Header.Get("X-MCP-Server"); server != "" {
		translator = s.translatorFor(server)
	}
	s.serveMCP(w, r, translator)
}

func (s *Server) serveMCP(w http.ResponseWriter, r *http.Request, translator *bridge.Translator) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusOK, JSONRPCMessage{
			Jsonrpc: "2.0",
			Error:   &JSONRPCError{Code: -32700, Message: "Parse error", Data: err.Error()},
		})
		return
	}

	response := s.processMCPMessage(r.Context(), translator, &msg)
	if response == nil {
		// Notification; no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// processMCPMessage dispatches one JSON-RPC message. Notifications return
// nil. Tool failures become isError results, not JSON-RPC errors, so a
// session survives a bad call.
func (s *Server) processMCPMessage(ctx context.Context, translator *bridge.Translator, msg *JSONRPCMessage) *JSONRPCMessage {
	reply := func(result interface{}) *JSONRPCMessage {
		return &JSONRPCMessage{Jsonrpc: "2.0", ID: msg.ID, Result: result}
	}
	replyError := func(code int, message string) *JSONRPCMessage {
		return &JSONRPCMessage{Jsonrpc: "2.0", ID: msg.ID, Error: &JSONRPCError{Code: code, Message: message}}
	}

	switch msg.Method {
	case "initialize":
		return reply(map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]string{
				"name":    "mcpd-bridge",
				"version": s.version,
			},
		})

	case "initialized", "notifications/initialized":
		return nil

	case "tools/list":
		tools, err := translator.ListTools(ctx)
		if err != nil {
			return replyError(-32603, "list tools: "+err.Error())
		}
		entries := make([]map[string]interface{}, 0, len(tools))
		for _, tool := range tools {
			entry := map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
			}
			if len(tool.InputSchema) > 0 {
				entry["inputSchema"] = tool.InputSchema
			} else {
				entry["inputSchema"] = map[string]interface{}{"type": "object"}
			}
			entries = append(entries, entry)
		}
		return reply(map[string]interface{}{"tools": entries})

	case "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return replyError(-32602, "invalid params: "+err.Error())
		}
		if params.Name == "" {
			return replyError(-32602, "tool name is required")
		}
		result := translator.CallTool(ctx, params.Name, params.Arguments)
		return reply(result)

	case "resources/list":
		// No resource backend exists; the collection is always empty.
		return reply(map[string]interface{}{"resources": []interface{}{}})

	case "prompts/list":
		return reply(map[string]interface{}{"prompts": []interface{}{}})

	default:
		if strings.HasPrefix(msg.Method, "notifications/") {
			return nil
		}
		return replyError(-32601, "Method not found: "+msg.Method)
	}
}
