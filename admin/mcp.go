package admin

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/relance/kit"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the admin operations as MCP tools. The tool set
// mirrors the HTTP surface one to one.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListTasks(srv)
	s.registerGetTask(srv)
	s.registerTaskEvents(srv)
	s.registerRetryTask(srv)
	s.registerListOutbox(srv)
	s.registerRetryOutbox(srv)
	s.registerRetentionSweep(srv)
	s.registerPipelineStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type listReq struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type idReq struct {
	ID string `json:"id"`
}

// decodeList tolerates absent arguments: both fields are optional.
func decodeList(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p listReq
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}

func decodeID(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p idReq
	if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}

func decodeNone(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{Request: nil}, nil
}

var listProperties = map[string]any{
	"status": map[string]any{"type": "string", "description": "Status filter; defaults to failed"},
	"limit":  map[string]any{"type": "integer", "description": "Max rows, defaults to 50, capped at 500"},
}

func (s *Service) registerListTasks(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_list_tasks",
		Description: "List follow-up tasks by status (defaults to failed)",
		InputSchema: inputSchema(listProperties, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*listReq)
		return s.ListTasks(ctx, p.Status, p.Limit)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeList)
}

func (s *Service) registerGetTask(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_get_task",
		Description: "Get one task with its events and outbox rows",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Task ID"},
		}, []string{"id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.GetTaskDetail(ctx, r.(*idReq).ID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeID)
}

func (s *Service) registerTaskEvents(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_task_events",
		Description: "List a task's audit events in order",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Task ID"},
		}, []string{"id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.TaskEvents(ctx, r.(*idReq).ID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeID)
}

func (s *Service) registerRetryTask(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_retry_task",
		Description: "Reset a failed task to due and enqueue a fresh execution",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Task ID"},
		}, []string{"id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.RetryTask(ctx, r.(*idReq).ID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeID)
}

func (s *Service) registerListOutbox(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_list_outbox",
		Description: "List outbox messages by status (defaults to failed)",
		InputSchema: inputSchema(listProperties, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*listReq)
		return s.ListOutbox(ctx, p.Status, p.Limit)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeList)
}

func (s *Service) registerRetryOutbox(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_retry_outbox",
		Description: "Requeue a failed outbox message for immediate redelivery",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Outbox message ID"},
		}, []string{"id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.RetryOutbox(ctx, r.(*idReq).ID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeID)
}

func (s *Service) registerRetentionSweep(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_retention_sweep",
		Description: "Redact inbound text older than the retention window now",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		n, err := s.SweepRetention(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"redacted": n}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeNone)
}

func (s *Service) registerPipelineStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relance_pipeline_stats",
		Description: "Pipeline counters, queue backlog depths and task counts by status",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.PipelineSnapshot(ctx)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeNone)
}
