package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mcpd-bridge/internal/bridge"
	"github.com/standardbeagle/mcpd-bridge/internal/client"
	"github.com/standardbeagle/mcpd-bridge/internal/config"
)

// fakeDaemon stubs the daemon API behind the gateway.
func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]client.ServerDescriptor{
			{Name: "filesystem"},
			{Name: "github"},
		})
	})
	mux.HandleFunc("/servers/filesystem/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]client.ToolDescriptor{
			{Name: "read_file", Description: "Read a file"},
		})
	})
	mux.HandleFunc("/servers/github/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]client.ToolDescriptor{
			{Name: "create_issue", Description: "Create an issue"},
		})
	})
	mux.HandleFunc("/servers/filesystem/tools/read_file/call", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode("hello")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestGateway(t *testing.T, apiKeys []string) *httptest.Server {
	t.Helper()

	daemonStub := fakeDaemon(t)

	cfg := config.Default()
	cfg.Daemon.URL = daemonStub.URL
	cfg.Gateway.APIKeys = apiKeys
	cfg.Gateway.RateLimit = 0 // unlimited in tests

	gw := New(cfg, client.New(daemonStub.URL, ""), nil, nil, "test")
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestHealthNeedsNoAuth(t *testing.T) {
	gw := newTestGateway(t, []string{"secret"})

	resp, err := http.Get(gw.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRejectsMissingKey(t *testing.T) {
	gw := newTestGateway(t, []string{"secret"})

	resp, err := http.Get(gw.URL + "/api/servers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIAcceptsKeyVariants(t *testing.T) {
	gw := newTestGateway(t, []string{"secret"})

	// Header
	req, _ := http.NewRequest("GET", gw.URL+"/api/servers", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Bearer
	req, _ = http.NewRequest("GET", gw.URL+"/api/servers", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Query parameter
	resp, err = http.Get(gw.URL + "/api/servers?api_key=secret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListToolsNamespaced(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Get(gw.URL + "/api/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tools []bridge.Tool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tools))

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"filesystem__read_file", "github__create_issue"}, names)
}

func TestGetServerNotFound(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Get(gw.URL + "/api/servers/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCallToolEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"server": "filesystem",
		"tool":   "read_file",
		"params": map[string]interface{}{"path": "/tmp/test.txt"},
	})
	resp, err := http.Post(gw.URL+"/api/tools/call", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result bridge.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
}

func TestCallToolPathEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp, err := http.Post(gw.URL+"/api/servers/filesystem/tools/read_file/call",
		"application/json", bytes.NewReader([]byte(`{"params":{"path":"/tmp/x"}}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result bridge.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.IsError)
}

func TestCallToolBadNameStaysInBand(t *testing.T) {
	gw := newTestGateway(t, nil)

	body, _ := json.Marshal(map[string]interface{}{"tool": "unknown__tool"})
	resp, err := http.Post(gw.URL+"/api/tools/call", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	// A bad call is an error-flagged result, not an HTTP failure.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result bridge.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.IsError)
}

func TestRateLimit(t *testing.T) {
	daemonStub := fakeDaemon(t)

	cfg := config.Default()
	cfg.Daemon.URL = daemonStub.URL
	cfg.Gateway.RateLimit = 1
	cfg.Gateway.RateBurst = 1

	gw := New(cfg, client.New(daemonStub.URL, ""), nil, nil, "test")
	server := httptest.NewServer(gw.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/servers")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/servers")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func postJSONRPC(t *testing.T, url string, msg JSONRPCMessage) JSONRPCMessage {
	t.Helper()

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out JSONRPCMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestMCPInitialize(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp := postJSONRPC(t, gw.URL+"/mcp", JSONRPCMessage{
		Jsonrpc: "2.0", ID: float64(1), Method: "initialize",
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, mcpProtocolVersion, result["protocolVersion"])
}

func TestMCPToolsListAndCall(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp := postJSONRPC(t, gw.URL+"/mcp", JSONRPCMessage{
		Jsonrpc: "2.0", ID: float64(2), Method: "tools/list",
	})
	require.Nil(t, resp.Error)
	tools := resp.Result.(map[string]interface{})["tools"].([]interface{})
	assert.Len(t, tools, 2)

	resp = postJSONRPC(t, gw.URL+"/mcp", JSONRPCMessage{
		Jsonrpc: "2.0", ID: float64(3), Method: "tools/call",
		Params: json.RawMessage(`{"name":"filesystem__read_file","arguments":{"path":"/tmp/test.txt"}}`),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	require.Len(t, content, 1)
	assert.Equal(t, "hello", content[0].(map[string]interface{})["text"])
}

func TestMCPPartnerEndpointIsIndividual(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp := postJSONRPC(t, gw.URL+"/partner/acme/filesystem/mcp", JSONRPCMessage{
		Jsonrpc: "2.0", ID: float64(4), Method: "tools/list",
	})
	require.Nil(t, resp.Error)
	tools := resp.Result.(map[string]interface{})["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].(map[string]interface{})["name"])
}

func TestMCPEmptyCollections(t *testing.T) {
	gw := newTestGateway(t, nil)

	for _, method := range []string{"resources/list", "prompts/list"} {
		resp := postJSONRPC(t, gw.URL+"/mcp", JSONRPCMessage{
			Jsonrpc: "2.0", ID: float64(5), Method: method,
		})
		require.Nil(t, resp.Error, method)
	}
}

func TestMCPMethodNotFound(t *testing.T) {
	gw := newTestGateway(t, nil)

	resp := postJSONRPC(t, gw.URL+"/mcp", JSONRPCMessage{
		Jsonrpc: "2.0", ID: float64(6), Method: "bogus/method",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}
