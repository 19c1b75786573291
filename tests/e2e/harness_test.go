package e2e

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/engine"
	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/expressions"
	"github.com/gantry-io/gantry/internal/handler"
	"github.com/gantry-io/gantry/internal/scheduler"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/validation"
	gantrymcp "github.com/gantry-io/gantry/pkg/mcp"
	"github.com/gantry-io/gantry/pkg/schema"
)

// --- Test infrastructure ---

// testEnv wires the full production stack: real store, real pass
// scheduler driving the coordinator, real MCP server. Only handlers are
// test doubles.
type testEnv struct {
	store     *store.LibSQLStore
	hub       *events.MemoryHub
	registry  *handler.Registry
	scheduler *scheduler.PassScheduler
	service   *engine.Service
	server    *gantrymcp.GantryServer
}

// coordRunner breaks the scheduler/coordinator construction cycle, same
// as the production entrypoint.
type coordRunner struct {
	coord *engine.Coordinator
}

func (r *coordRunner) ProcessPass(ctx context.Context, taskID string) (*engine.PassResult, error) {
	return r.coord.ProcessPass(ctx, taskID)
}

// fastTunables shrinks every engine delay so retry scenarios finish in
// milliseconds instead of minutes.
func fastTunables() engine.Tunables {
	tun := engine.DefaultTunables()
	tun.StepTimeout = 5 * time.Second
	tun.BackoffBase = 10 * time.Millisecond
	tun.BackoffCap = 50 * time.Millisecond
	tun.DelayBuffer = 10 * time.Millisecond
	tun.DelayCap = 200 * time.Millisecond
	tun.WaitingDelay = 50 * time.Millisecond
	tun.ProbeDelay = 10 * time.Millisecond
	return tun
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewLibSQLStore("file:"+filepath.Join(t.TempDir(), "e2e.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	hub := events.NewMemoryHub()
	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(handler.NewNoopHandler()))

	evaluator, err := expressions.NewEvaluator()
	require.NoError(t, err)

	validator, err := validation.NewTemplateValidator(registry)
	require.NoError(t, err)

	tun := fastTunables()
	taskFSM := engine.NewTaskFSM(s, hub, nil)
	stepFSM := engine.NewStepFSM(s, hub, nil)

	runner := &coordRunner{}
	passSched := scheduler.NewPassScheduler(runner, nil)

	executor := engine.NewExecutor(s, stepFSM, registry, evaluator, hub, s, tun, nil)
	discovery := engine.NewDiscovery(s, tun)
	reenqueuer := engine.NewReenqueuer(s, taskFSM, passSched, hub, nil)
	finalizer := engine.NewFinalizer(s, taskFSM, reenqueuer, hub, tun, nil)
	runner.coord = engine.NewCoordinator(s, taskFSM, discovery, executor, finalizer, nil)

	service := engine.NewService(s, registry, taskFSM, passSched, validator, hub, nil)

	require.NoError(t, passSched.Start(context.Background()))
	t.Cleanup(func() { _ = passSched.Stop() })

	srv := gantrymcp.NewGantryServer(gantrymcp.GantryServerDeps{
		Service:   service,
		Store:     s,
		Validator: validator,
		Hub:       hub,
	})

	return &testEnv{
		store:     s,
		hub:       hub,
		registry:  registry,
		scheduler: passSched,
		service:   service,
		server:    srv,
	}
}

// funcHandler adapts a closure into a Handler for tests.
type funcHandler struct {
	name string
	fn   func(ctx context.Context, inv handler.Invocation) (json.RawMessage, error)
}

func (h *funcHandler) Name() string                       { return h.name }
func (h *funcHandler) Schema() handler.HandlerSchema      { return handler.HandlerSchema{} }
func (h *funcHandler) Validate(_ map[string]any) error    { return nil }
func (h *funcHandler) Process(ctx context.Context, inv handler.Invocation) (json.RawMessage, error) {
	return h.fn(ctx, inv)
}

func (e *testEnv) register(t *testing.T, name string, fn func(ctx context.Context, inv handler.Invocation) (json.RawMessage, error)) {
	t.Helper()
	require.NoError(t, e.registry.Register(&funcHandler{name: name, fn: fn}))
}

func (e *testEnv) storeTemplate(t *testing.T, tpl *schema.TaskTemplate, version string) {
	t.Helper()
	require.NoError(t, e.store.StoreTemplate(context.Background(), &store.StoredTemplate{
		Name:       tpl.Name,
		Namespace:  tpl.Namespace,
		Version:    version,
		Definition: *tpl,
	}))
}

// awaitTask polls until the task reaches a terminal status.
func (e *testEnv) awaitTask(t *testing.T, taskID string, want schema.TaskStatus) *store.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.store.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		switch task.Status {
		case schema.TaskStatusComplete, schema.TaskStatusError, schema.TaskStatusCancelled:
			t.Fatalf("task %s reached terminal status %s, wanted %s", taskID, task.Status, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", taskID, want)
	return nil
}

func (e *testEnv) getStep(t *testing.T, taskID, name string) *store.WorkflowStep {
	t.Helper()
	step, err := e.store.GetStep(context.Background(), taskID, name)
	require.NoError(t, err)
	return step
}

// callTool invokes a tool through the MCP server's HandleMessage, a full
// JSON-RPC round-trip including session initialization.
func (e *testEnv) callTool(t *testing.T, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	initMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "e2e-test",
				"version": "1.0.0",
			},
		},
	}
	rawInit, err := json.Marshal(initMsg)
	require.NoError(t, err)

	reqMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	}
	rawReq, err := json.Marshal(reqMsg)
	require.NoError(t, err)

	ctx := context.Background()
	mcpSrv := e.server.MCPServer()

	initResp := mcpSrv.HandleMessage(ctx, rawInit)
	require.NotNil(t, initResp)

	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)

	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

// extractJSON parses a tool result's text content as JSON into target.
func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// extractText returns a tool result's raw text content.
func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}
