package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/standardbeagle/mcpd-bridge/internal/client"
	"github.com/standardbeagle/mcpd-bridge/pkg/events"
)

// Tool is one entry of the aggregated catalog: a backend tool projected onto
// its externally visible name.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Server      string          `json:"server"`
	RawName     string          `json:"rawName"`
}

// ContentBlock is one block of a normalized tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the protocol-neutral shape of a tool call outcome. A failed call
// is reported as a Result with IsError set, never as a Go error, so that a
// long-lived session survives a single bad call.
type Result struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ErrorResult wraps a human-readable message as an error-flagged Result.
func ErrorResult(format string, args ...interface{}) Result {
	return Result{
		Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// TextResult wraps plain text as a successful Result.
func TextResult(text string) Result {
	return Result{Content: []ContentBlock{{Type: "text", Text: text}}}
}

const (
	catalogTTL     = 30 * time.Second
	catalogCleanup = 5 * time.Minute
)

// Translator aggregates tool catalogs across servers and executes tool calls,
// normalizing backend responses into Results. It is used identically by the
// stdio bridge and the HTTP/WebSocket gateway.
type Translator struct {
	backend    *client.Client
	mode       Mode
	target     string // fixed target server, individual mode only
	namespaced bool
	catalog    *gocache.Cache
	bus        *events.EventBus
	log        *logrus.Entry
}

// NewTranslator creates a translator. target is required in individual mode
// and ignored in unified mode. Unified mode is always namespaced.
func NewTranslator(backend *client.Client, mode Mode, target string, namespaced bool) *Translator {
	if mode == ModeUnified {
		namespaced = true
	}
	return &Translator{
		backend:    backend,
		mode:       mode,
		target:     target,
		namespaced: namespaced,
		catalog:    gocache.New(catalogTTL, catalogCleanup),
		log: logrus.WithFields(logrus.Fields{
			"component": "translator",
			"mode":      mode.String(),
		}),
	}
}

// SetEventBus attaches a bus for catalog.refreshed notifications. Call
// before the translator is shared across goroutines.
func (t *Translator) SetEventBus(bus *events.EventBus) { t.bus = bus }

// Mode returns the translator's bridge mode.
func (t *Translator) Mode() Mode { return t.mode }

// Target returns the fixed target server (individual mode).
func (t *Translator) Target() string { return t.target }

// ListTools returns the aggregated tool catalog with external names applied.
// A single server's fetch failure is logged and its tools omitted; it does
// not abort the whole listing. The catalog is cached briefly and replaced in
// full on refresh, never merged.
func (t *Translator) ListTools(ctx context.Context) ([]Tool, error) {
	cacheKey := fmt.Sprintf("catalog:%s:%s", t.mode, t.target)
	if cached, ok := t.catalog.Get(cacheKey); ok {
		return cached.([]Tool), nil
	}

	var servers []string
	if t.mode == ModeIndividual {
		servers = []string{t.target}
	} else {
		descriptors, err := t.backend.ListServers(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range descriptors {
			servers = append(servers, d.Name)
		}
	}

	tools := make([]Tool, 0)
	for _, server := range servers {
		descriptors, err := t.backend.ListTools(ctx, server)
		if err != nil {
			if t.mode == ModeIndividual {
				// There is only one server; an empty catalog would hide the failure.
				return nil, err
			}
			t.log.WithError(err).WithField("server", server).Warn("Skipping server in catalog aggregation")
			continue
		}
		for _, d := range descriptors {
			tools = append(tools, Tool{
				Name:        EncodeToolName(server, d.Name, t.mode, t.namespaced),
				Description: d.Description,
				InputSchema: d.InputSchema,
				Server:      server,
				RawName:     d.Name,
			})
		}
	}

	t.catalog.Set(cacheKey, tools, catalogTTL)
	if t.bus != nil {
		t.bus.Publish(events.Event{Type: events.CatalogRefreshed, Data: map[string]interface{}{
			"mode":  t.mode.String(),
			"tools": len(tools),
		}})
	}
	return tools, nil
}

// CallTool decodes an external tool name, forwards the call to the daemon,
// and normalizes the response. All failures come back as error-flagged
// Results.
func (t *Translator) CallTool(ctx context.Context, externalName string, args map[string]interface{}) Result {
	server, tool, err := DecodeToolName(externalName, t.mode, t.namespaced, t.target)
	if err != nil {
		return ErrorResult("cannot resolve tool %q: %v", externalName, err)
	}

	raw, err := t.backend.CallTool(ctx, server, tool, args)
	if err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"server": server,
			"tool":   tool,
		}).Warn("Tool call failed")
		return ErrorResult("tool %s on server %s failed: %v", tool, server, err)
	}

	return NormalizeResult(raw)
}

// NormalizeResult converts the daemon's loosely shaped response into a
// Result. Three backend shapes exist: an object already carrying a content
// array, a bare JSON string, and arbitrary JSON.
func NormalizeResult(raw json.RawMessage) Result {
	if len(raw) == 0 {
		return TextResult("")
	}

	var withContent struct {
		Content []ContentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
	if err := json.Unmarshal(raw, &withContent); err == nil && withContent.Content != nil {
		return Result{Content: withContent.Content, IsError: withContent.IsError}
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return TextResult(text)
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err == nil {
		pretty, err := json.MarshalIndent(value, "", "  ")
		if err == nil {
			return TextResult(string(pretty))
		}
	}

	// Not valid JSON at all; pass the bytes through as text.
	return TextResult(string(raw))
}
