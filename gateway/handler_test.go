package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/toolbackend"
)

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type concatArgs struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

func calcBackend(t *testing.T) *httptest.Server {
	t.Helper()
	add := toolbackend.NewTool("add", func(ctx context.Context, args addArgs) (*mcp.CallToolResult, error) {
		return toolbackend.TextResult(fmt.Sprint(args.A + args.B)), nil
	}, toolbackend.WithDescription("Add two numbers"))
	srv := httptest.NewServer(toolbackend.New([]toolbackend.Tool{add}))
	t.Cleanup(srv.Close)
	return srv
}

func stringBackend(t *testing.T) *httptest.Server {
	t.Helper()
	concat := toolbackend.NewTool("concat", func(ctx context.Context, args concatArgs) (*mcp.CallToolResult, error) {
		return toolbackend.TextResult(args.Left + args.Right), nil
	})
	srv := httptest.NewServer(toolbackend.New([]toolbackend.Tool{concat}))
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T, backends string, opts ...Option) *httptest.Server {
	t.Helper()
	h, err := New(Config{
		Backends:          backends,
		Prefix:            "/mcp",
		ValidateArguments: true,
		BackendTimeout:    5 * time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func defaultGateway(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	calc, str := calcBackend(t), stringBackend(t)
	return newGateway(t, "calc="+calc.URL+",string="+str.URL, opts...)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func post(t *testing.T, url, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func rpc(t *testing.T, url, method, params string, header http.Header) rpcResponse {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"` + method + `"`
	if params != "" {
		body += `,"params":` + params
	}
	body += `}`
	resp, b := post(t, url, body, header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, b)
	}
	var out rpcResponse
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	if out.JSONRPC != "2.0" {
		t.Fatalf("unexpected envelope: %s", b)
	}
	return out
}

func toolNames(t *testing.T, r rpcResponse) []string {
	t.Helper()
	if r.Error != nil {
		t.Fatalf("unexpected error: %+v", r.Error)
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func callResult(t *testing.T, r rpcResponse) mcp.CallToolResult {
	t.Helper()
	if r.Error != nil {
		t.Fatalf("unexpected error: %+v", r.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func TestAggregateAndScopedListings(t *testing.T) {
	gw := defaultGateway(t)

	got := toolNames(t, rpc(t, gw.URL+"/mcp", "tools/list", "", nil))
	if strings.Join(got, ",") != "calc__add,string__concat" {
		t.Fatalf("unexpected aggregate tools %q", got)
	}

	got = toolNames(t, rpc(t, gw.URL+"/mcp/x/calc", "tools/list", "", nil))
	if strings.Join(got, ",") != "add" {
		t.Fatalf("unexpected scoped tools %q", got)
	}
}

func TestListingKeepsDescriptor(t *testing.T) {
	gw := defaultGateway(t)

	r := rpc(t, gw.URL+"/mcp", "tools/list", "{}", nil)
	var res mcp.ListToolsResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	add := res.Tools[0]
	if add.Description != "Add two numbers" || !strings.Contains(string(add.InputSchema), `"a"`) {
		t.Fatalf("descriptor not passed through: %+v", add)
	}
}

func TestAggregateCall(t *testing.T) {
	gw := defaultGateway(t)

	res := callResult(t, rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"calc__add","arguments":{"a":2,"b":3}}`, nil))
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "5" {
		t.Fatalf("unexpected result %+v", res)
	}

	res = callResult(t, rpc(t, gw.URL+"/mcp/x/string", "tools/call", `{"name":"concat","arguments":{"left":"a","right":"b"}}`, nil))
	if res.Content[0].Text != "ab" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAggregateCallRequiresPrefixedName(t *testing.T) {
	gw := defaultGateway(t)

	for _, name := range []string{"add", "calc__", "__add", "a__b__c"} {
		r := rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"`+name+`","arguments":{}}`, nil)
		if r.Error == nil || r.Error.Code != -32602 || !strings.Contains(r.Error.Message, "component__toolname") {
			t.Fatalf("%s: expected -32602 format error, got %+v", name, r.Error)
		}
	}
}

func TestCallUnknownComponentAndTool(t *testing.T) {
	gw := defaultGateway(t)

	r := rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"nope__add"}`, nil)
	if r.Error == nil || r.Error.Code != -32602 || !strings.Contains(r.Error.Message, "component 'nope' is not configured") {
		t.Fatalf("unexpected error %+v", r.Error)
	}

	r = rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"calc__mul","arguments":{}}`, nil)
	if r.Error == nil || r.Error.Code != -32602 || r.Error.Message != "Unknown tool 'mul' in component 'calc'" {
		t.Fatalf("unexpected error %+v", r.Error)
	}
}

func TestCallInvalidParams(t *testing.T) {
	gw := defaultGateway(t)

	r := rpc(t, gw.URL+"/mcp", "tools/call", "", nil)
	if r.Error == nil || r.Error.Code != -32602 || !strings.Contains(r.Error.Message, "missing required parameters") {
		t.Fatalf("unexpected error %+v", r.Error)
	}
	r = rpc(t, gw.URL+"/mcp", "tools/call", `{"arguments":{}}`, nil)
	if r.Error == nil || r.Error.Message != "Invalid params: missing tool name" {
		t.Fatalf("unexpected error %+v", r.Error)
	}
}

func TestCallValidatesArguments(t *testing.T) {
	gw := defaultGateway(t)

	r := rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"calc__add","arguments":{"a":"two","b":3}}`, nil)
	if r.Error == nil || r.Error.Code != -32602 || !strings.Contains(r.Error.Message, "Invalid arguments for tool 'calc__add'") {
		t.Fatalf("unexpected error %+v", r.Error)
	}

	r = rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"calc__add","arguments":{"a":1,"b":2,"c":3}}`, nil)
	if r.Error == nil || r.Error.Code != -32602 {
		t.Fatalf("expected additional property to be rejected, got %+v", r.Error)
	}
}

func TestReadonly(t *testing.T) {
	gw := defaultGateway(t)

	h := http.Header{}
	h.Set("X-MCP-Readonly", "true")
	r := rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"calc__add","arguments":{"a":1,"b":2}}`, h)
	if r.Error == nil || r.Error.Code != -32600 || !strings.Contains(r.Error.Message, "readonly mode") {
		t.Fatalf("unexpected error %+v", r.Error)
	}

	r = rpc(t, gw.URL+"/mcp/readonly", "tools/call", `{"name":"calc__add","arguments":{"a":1,"b":2}}`, nil)
	if r.Error == nil || !strings.Contains(r.Error.Message, "readonly mode") {
		t.Fatalf("unexpected error %+v", r.Error)
	}

	// Listing still works.
	if got := toolNames(t, rpc(t, gw.URL+"/mcp/readonly", "tools/list", "", nil)); len(got) != 2 {
		t.Fatalf("unexpected tools %q", got)
	}
}

func TestToolsets(t *testing.T) {
	gw := defaultGateway(t)

	h := http.Header{}
	h.Set("X-MCP-Toolsets", "string")
	got := toolNames(t, rpc(t, gw.URL+"/mcp", "tools/list", "", h))
	if strings.Join(got, ",") != "string__concat" {
		t.Fatalf("unexpected tools %q", got)
	}

	r := rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"calc__add","arguments":{"a":1,"b":2}}`, h)
	if r.Error == nil || r.Error.Message != "Component 'calc' is not in the allowed toolsets" {
		t.Fatalf("unexpected error %+v", r.Error)
	}

	if got := toolNames(t, rpc(t, gw.URL+"/mcp/x/calc", "tools/list", "", h)); len(got) != 0 {
		t.Fatalf("expected scoped listing outside toolsets to be empty, got %q", got)
	}
}

func TestFailingBackendContributesNothing(t *testing.T) {
	calc := calcBackend(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"not":"a list"}`)
	}))
	t.Cleanup(garbage.Close)

	gw := newGateway(t, "broken="+broken.URL+",calc="+calc.URL+",garbage="+garbage.URL)
	got := toolNames(t, rpc(t, gw.URL+"/mcp", "tools/list", "", nil))
	if strings.Join(got, ",") != "calc__add" {
		t.Fatalf("unexpected tools %q", got)
	}
}

func TestEmptyListing(t *testing.T) {
	gw := newGateway(t, "")
	r := rpc(t, gw.URL+"/mcp", "tools/list", "", nil)
	if string(r.Result) != `{"tools":[]}` {
		t.Fatalf("expected empty array, got %s", r.Result)
	}
}

func TestInvalidListEntriesSkipped(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"name":"ok","inputSchema":{"type":"object"}},{"name":"noschema"},{"inputSchema":{}},42]`)
	}))
	t.Cleanup(backend.Close)

	gw := newGateway(t, "b="+backend.URL)
	got := toolNames(t, rpc(t, gw.URL+"/mcp", "tools/list", "", nil))
	if strings.Join(got, ",") != "b__ok" {
		t.Fatalf("unexpected tools %q", got)
	}
}

func listingBackend(t *testing.T, call http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `[{"name":"run","inputSchema":{"type":"object"}}]`)
			return
		}
		call(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBackendStatusFoldedIntoResult(t *testing.T) {
	backend := listingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service down", http.StatusServiceUnavailable)
	})
	gw := newGateway(t, "svc="+backend.URL)

	res := callResult(t, rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"svc__run"}`, nil))
	if !res.IsError || len(res.Content) != 1 {
		t.Fatalf("expected isError result, got %+v", res)
	}
	if want := "Tool execution failed (status 503): service down"; !strings.HasPrefix(res.Content[0].Text, want) {
		t.Fatalf("got %q, want prefix %q", res.Content[0].Text, want)
	}
}

func TestBackendInvalidResponse(t *testing.T) {
	backend := listingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"result":"no content"}`)
	})
	gw := newGateway(t, "svc="+backend.URL)

	r := rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"svc__run"}`, nil)
	if r.Error == nil || r.Error.Code != -32603 || !strings.Contains(r.Error.Message, "invalid response format") {
		t.Fatalf("unexpected error %+v", r.Error)
	}
}

func TestBackendResultPassedThrough(t *testing.T) {
	const raw = `{"content":[{"type":"text","text":"hi"}],"structuredContent":{"x":1},"_meta":{"k":"v"}}`
	gotArgs := make(chan string, 1)
	backend := listingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotArgs <- string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, raw)
	})
	gw := newGateway(t, "svc="+backend.URL)

	r := rpc(t, gw.URL+"/mcp/x/svc", "tools/call", `{"name":"run"}`, nil)
	if r.Error != nil {
		t.Fatalf("unexpected error %+v", r.Error)
	}
	if args := <-gotArgs; args != `{}` {
		t.Fatalf("expected empty arguments object, got %q", args)
	}
	var want, got any
	_ = json.Unmarshal([]byte(raw), &want)
	_ = json.Unmarshal(r.Result, &got)
	if fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("result altered: %s", r.Result)
	}
}

func TestBackendTimeout(t *testing.T) {
	backend := listingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	h, err := New(Config{Backends: "svc=" + backend.URL, BackendTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	gw := httptest.NewServer(h)
	t.Cleanup(gw.Close)

	r := rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"svc__run"}`, nil)
	if r.Error == nil || r.Error.Code != -32603 || !strings.Contains(r.Error.Message, "Failed to call tool 'run'") {
		t.Fatalf("unexpected error %+v", r.Error)
	}
}

func TestInitialize(t *testing.T) {
	gw := defaultGateway(t)

	r := rpc(t, gw.URL+"/mcp", "initialize", `{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}`, nil)
	var res mcp.InitializeResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ProtocolVersion != "2025-03-26" || res.ServerInfo.Name != "mcp-gateway" {
		t.Fatalf("unexpected result %s", r.Result)
	}
	if res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
		t.Fatalf("expected tools capability: %s", r.Result)
	}

	r = rpc(t, gw.URL+"/mcp", "initialize", `{"protocolVersion":"1999-01-01"}`, nil)
	_ = json.Unmarshal(r.Result, &res)
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("expected fallback to latest, got %q", res.ProtocolVersion)
	}

	r = rpc(t, gw.URL+"/mcp", "initialize", "", nil)
	if r.Error == nil || r.Error.Code != -32602 {
		t.Fatalf("expected missing params error, got %+v", r.Error)
	}
}

func TestSimpleMethods(t *testing.T) {
	gw := defaultGateway(t)

	if r := rpc(t, gw.URL+"/mcp", "ping", "", nil); string(r.Result) != `{}` {
		t.Fatalf("unexpected ping result %s", r.Result)
	}
	if r := rpc(t, gw.URL+"/mcp", "prompts/list", "", nil); string(r.Result) != `{"prompts":[]}` {
		t.Fatalf("unexpected prompts result %s", r.Result)
	}
	if r := rpc(t, gw.URL+"/mcp", "resources/list", "", nil); string(r.Result) != `{"resources":[]}` {
		t.Fatalf("unexpected resources result %s", r.Result)
	}
	r := rpc(t, gw.URL+"/mcp", "sampling/createMessage", "", nil)
	if r.Error == nil || r.Error.Code != -32601 || r.Error.Message != "Method 'sampling/createMessage' not found" {
		t.Fatalf("unexpected error %+v", r.Error)
	}
	if string(r.ID) != "1" {
		t.Fatalf("expected id echo, got %s", r.ID)
	}
}

func TestNotificationsAccepted(t *testing.T) {
	gw := defaultGateway(t)

	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":7,"method":"initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`,
	} {
		resp, b := post(t, gw.URL+"/mcp", body, nil)
		if resp.StatusCode != http.StatusAccepted || len(b) != 0 {
			t.Fatalf("%s: expected empty 202, got %d %s", body, resp.StatusCode, b)
		}
	}
}

func TestMalformedRequests(t *testing.T) {
	gw := defaultGateway(t)

	resp, b := post(t, gw.URL+"/mcp", `{"jsonrpc":`, nil)
	var r rpcResponse
	_ = json.Unmarshal(b, &r)
	if resp.StatusCode != http.StatusOK || r.Error == nil || r.Error.Code != -32700 || !strings.Contains(string(b), `"id":null`) {
		t.Fatalf("expected parse error, got %d %s", resp.StatusCode, b)
	}

	_, b = post(t, gw.URL+"/mcp", `{"jsonrpc":"1.0","id":"x","method":"ping"}`, nil)
	r = rpcResponse{}
	_ = json.Unmarshal(b, &r)
	if r.Error == nil || r.Error.Code != -32600 || string(r.ID) != `"x"` {
		t.Fatalf("expected invalid request, got %s", b)
	}
}

func TestHTTPSurface(t *testing.T) {
	gw := defaultGateway(t)

	resp, err := http.Get(gw.URL + "/mcp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || !strings.Contains(string(b), "MCP requires POST") {
		t.Fatalf("expected 405, got %d %s", resp.StatusCode, b)
	}
	if resp.Header.Get("Allow") != "POST, OPTIONS" {
		t.Fatalf("unexpected Allow header %q", resp.Header.Get("Allow"))
	}

	req, _ := http.NewRequest(http.MethodOptions, gw.URL+"/mcp", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d %v", resp.StatusCode, resp.Header)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "X-MCP-Toolsets") {
		t.Fatalf("missing allowed headers: %v", resp.Header)
	}

	resp, b = post(t, gw.URL+"/elsewhere", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(b), "MCP endpoints must start with /mcp") {
		t.Fatalf("expected 404, got %d %s", resp.StatusCode, b)
	}
	resp, b = post(t, gw.URL+"/mcp/unknown", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(b), "Invalid MCP path: /mcp/unknown") {
		t.Fatalf("expected 404, got %d %s", resp.StatusCode, b)
	}
}

func TestNewRejectsBadBackends(t *testing.T) {
	if _, err := New(Config{Backends: "a,a"}); err == nil {
		t.Fatalf("expected error for duplicate backends")
	}
}

func TestAggregateAndScopedCallsResolveAlike(t *testing.T) {
	paths := make(chan string, 2)
	backend := listingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"content":[]}`)
	})
	gw := newGateway(t, "svc="+backend.URL+"/base")

	callResult(t, rpc(t, gw.URL+"/mcp", "tools/call", `{"name":"svc__run"}`, nil))
	callResult(t, rpc(t, gw.URL+"/mcp/x/svc", "tools/call", `{"name":"run"}`, nil))
	if a, b := <-paths, <-paths; a != "/base/run" || a != b {
		t.Fatalf("expected both calls at /base/run, got %q and %q", a, b)
	}
}

func TestRepeatedListingIsStable(t *testing.T) {
	gw := defaultGateway(t)

	first := toolNames(t, rpc(t, gw.URL+"/mcp", "tools/list", "", nil))
	for range 3 {
		if got := toolNames(t, rpc(t, gw.URL+"/mcp", "tools/list", "", nil)); strings.Join(got, ",") != strings.Join(first, ",") {
			t.Fatalf("listing changed: %q vs %q", got, first)
		}
	}
}
