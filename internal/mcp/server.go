package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"reqflow/backend/internal/workflow"
	"reqflow/backend/pkg/models"
)

// Server exposes the workflow surface as MCP tools so agent clients can
// submit batches and drive clarifications without the REST API.
type Server struct {
	mcpServer    *server.MCPServer
	orchestrator *workflow.Orchestrator
}

func NewServer(orch *workflow.Orchestrator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Requirements Workflow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		orchestrator: orch,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_requirements",
			mcp.WithDescription("Submit a requirements document for mining and validation"),
			mcp.WithString("document", mcp.Required(), mcp.Description("The raw requirements document to mine")),
			mcp.WithString("correlation_id", mcp.Description("Optional correlation id; generated when omitted")),
			mcp.WithBoolean("wait", mcp.Description("Block until the run is terminal and return the final status")),
		),
		s.handleSubmit,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_status",
			mcp.WithDescription("Get the current phase and items of a workflow run"),
			mcp.WithString("correlation_id", mcp.Required(), mcp.Description("The run's correlation id")),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_workflow",
			mcp.WithDescription("Cancel an active workflow run"),
			mcp.WithString("correlation_id", mcp.Required(), mcp.Description("The run's correlation id")),
		),
		s.handleCancel,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"answer_clarification",
			mcp.WithDescription("Answer a pending clarification question on a run"),
			mcp.WithString("correlation_id", mcp.Required(), mcp.Description("The run's correlation id")),
			mcp.WithString("question_id", mcp.Required(), mcp.Description("The question id from the question event")),
			mcp.WithString("value", mcp.Required(), mcp.Description("The answer value, e.g. accept or reject")),
		),
		s.handleAnswer,
	)
}

func stringArg(request mcp.CallToolRequest, name string) (string, bool) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := args[name].(string)
	return v, ok
}

func boolArg(request mcp.CallToolRequest, name string) bool {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return false
	}
	v, _ := args[name].(bool)
	return v
}

func (s *Server) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	document, ok := stringArg(request, "document")
	if !ok || document == "" {
		return mcp.NewToolResultError("Missing required parameter: document"), nil
	}
	correlationID, _ := stringArg(request, "correlation_id")
	tenantID, _ := ctx.Value("tenant_id").(string)

	sub := workflow.Submission{
		CorrelationID: correlationID,
		TenantID:      tenantID,
		Documents: []*models.RequirementDocument{
			{Content: document},
		},
	}
	id, err := s.orchestrator.Submit(sub)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit: %v", err)), nil
	}

	if boolArg(request, "wait") {
		if err := s.orchestrator.Wait(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed waiting for completion: %v", err)), nil
		}
	}

	run, err := s.orchestrator.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read run status: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(run)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, ok := stringArg(request, "correlation_id")
	if !ok || correlationID == "" {
		return mcp.NewToolResultError("Missing required parameter: correlation_id"), nil
	}

	run, err := s.orchestrator.Status(ctx, correlationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(run)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, ok := stringArg(request, "correlation_id")
	if !ok || correlationID == "" {
		return mcp.NewToolResultError("Missing required parameter: correlation_id"), nil
	}

	if err := s.orchestrator.Cancel(ctx, correlationID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel: %v", err)), nil
	}
	return mcp.NewToolResultText("Cancellation requested"), nil
}

func (s *Server) handleAnswer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, ok := stringArg(request, "correlation_id")
	if !ok || correlationID == "" {
		return mcp.NewToolResultError("Missing required parameter: correlation_id"), nil
	}
	questionID, ok := stringArg(request, "question_id")
	if !ok || questionID == "" {
		return mcp.NewToolResultError("Missing required parameter: question_id"), nil
	}
	value, ok := stringArg(request, "value")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: value"), nil
	}

	if err := s.orchestrator.Answer(ctx, correlationID, questionID, value); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to answer: %v", err)), nil
	}
	return mcp.NewToolResultText("Answer accepted"), nil
}

// MountHTTPHandlers mounts the MCP SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
