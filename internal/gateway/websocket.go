package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsMessage is the typed inbound WebSocket frame.
type wsMessage struct {
	Type   string                 `json:"type"`
	Server string                 `json:"server,omitempty"`
	Tool   string                 `json:"tool,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
	APIKey string                 `json:"apiKey,omitempty"`
	ID     string                 `json:"id,omitempty"`
}

// wsReply echoes the client-supplied correlation id.
type wsReply struct {
	Type  string      `json:"type"`
	ID    string      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

const wsCallTimeout = 60 * time.Second

// handleWebSocket upgrades the connection and runs the message loop. A
// connection starts unauthenticated unless it presented a valid apiKey query
// parameter; until an in-band auth message arrives, every other message type
// is rejected and the connection closed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	log := s.log.WithField("conn", connID)

	authenticated := s.validKey(r.URL.Query().Get("api_key"))

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("WebSocket closed unexpectedly")
			}
			return
		}

		if !authenticated {
			if msg.Type != "auth" {
				conn.WriteJSON(wsReply{Type: "error", ID: msg.ID, Error: "unauthorized: authenticate first"})
				return
			}
			if !s.validKey(msg.APIKey) {
				conn.WriteJSON(wsReply{Type: "error", ID: msg.ID, Error: "unauthorized: invalid key"})
				return
			}
			authenticated = true
			conn.WriteJSON(wsReply{Type: "auth_ok", ID: msg.ID})
			continue
		}

		s.dispatchWS(conn, log, msg)
	}
}

func (s *Server) dispatchWS(conn *websocket.Conn, log *logrus.Entry, msg wsMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), wsCallTimeout)
	defer cancel()

	switch msg.Type {
	case "auth":
		// Already authenticated; idempotent.
		conn.WriteJSON(wsReply{Type: "auth_ok", ID: msg.ID})

	case "ping":
		conn.WriteJSON(wsReply{Type: "pong", ID: msg.ID})

	case "list_servers":
		servers, err := s.backend.ListServers(ctx)
		if err != nil {
			conn.WriteJSON(wsReply{Type: "error", ID: msg.ID, Error: err.Error()})
			return
		}
		conn.WriteJSON(wsReply{Type: "servers", ID: msg.ID, Data: servers})

	case "list_tools":
		translator := s.unified
		if msg.Server != "" {
			translator = s.translatorFor(msg.Server)
		}
		tools, err := translator.ListTools(ctx)
		if err != nil {
			conn.WriteJSON(wsReply{Type: "error", ID: msg.ID, Error: err.Error()})
			return
		}
		conn.WriteJSON(wsReply{Type: "tools", ID: msg.ID, Data: tools})

	case "call_tool":
		if msg.Tool == "" {
			conn.WriteJSON(wsReply{Type: "error", ID: msg.ID, Error: "tool is required"})
			return
		}
		translator := s.unified
		if msg.Server != "" {
			translator = s.translatorFor(msg.Server)
		}
		result := translator.CallTool(ctx, msg.Tool, msg.Params)
		conn.WriteJSON(wsReply{Type: "tool_result", ID: msg.ID, Data: result})

	default:
		log.WithField("type", msg.Type).Debug("Unknown WebSocket message type")
		conn.WriteJSON(wsReply{Type: "error", ID: msg.ID, Error: "unknown message type: " + msg.Type})
	}
}
