package bridge

import (
	"context"
	"encoding/json"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

// StdioSession speaks MCP over stdin/stdout (initialize, tools/list,
// tools/call) and delegates all business logic to the Translator. Diagnostic
// output goes to stderr only; stdout carries nothing but JSON-RPC.
type StdioSession struct {
	translator *Translator
	mcpServer  *server.MCPServer
	log        *logrus.Entry
}

// NewStdioSession builds an MCP stdio server whose tool catalog mirrors the
// translator's aggregated listing at startup time.
func NewStdioSession(translator *Translator, version string) (*StdioSession, error) {
	s := &StdioSession{
		translator: translator,
		log:        logrus.WithField("component", "stdio-bridge"),
	}

	s.mcpServer = server.NewMCPServer(
		"mcpd-bridge",
		version,
		server.WithToolCapabilities(false),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tools, err := translator.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	for _, tool := range tools {
		s.registerTool(tool)
	}
	s.log.WithField("tools", len(tools)).Info("Registered tool catalog")

	return s, nil
}

func (s *StdioSession) registerTool(tool Tool) {
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	def := mcplib.Tool{
		Name:           tool.Name,
		Description:    tool.Description,
		RawInputSchema: schema,
	}

	externalName := tool.Name
	s.mcpServer.AddTool(def, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		result := s.translator.CallTool(ctx, externalName, request.GetArguments())
		return toMCPResult(result), nil
	})
}

// Serve runs the stdio loop until stdin closes.
func (s *StdioSession) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func toMCPResult(result Result) *mcplib.CallToolResult {
	content := make([]mcplib.Content, 0, len(result.Content))
	for _, block := range result.Content {
		content = append(content, mcplib.TextContent{
			Type: block.Type,
			Text: block.Text,
		})
	}
	return &mcplib.CallToolResult{
		Content: content,
		IsError: result.IsError,
	}
}
