// Package mcp exposes read-only workflow tools over the Model Context
// Protocol, so agent runtimes can inspect instances, tasks and audit trails.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/machshop/workflow/internal/engine"
)

type Server struct {
	mcpServer *server.MCPServer
	engine    *engine.Engine
}

func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Workflow Engine",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine: eng,
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
			"get_instance",
			mcp.WithDescription("Get the current state of a workflow instance"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The workflow instance ID")),
		),
		s.handleGetInstance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_tasks",
			mcp.WithDescription("List a user's open workflow tasks"),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("The user to list tasks for")),
		),
		s.handleListTasks,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_history",
			mcp.WithDescription("Get the audit trail of a workflow instance"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The workflow instance ID")),
		),
		s.handleGetHistory,
	)
}

func (s *Server) handleGetInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	instanceID, ok := args["instance_id"].(string)
	if !ok || instanceID == "" {
		return mcp.NewToolResultError("Missing required parameter: instance_id"), nil
	}

	inst, err := s.engine.GetInstance(ctx, instanceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get instance: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(inst)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return mcp.NewToolResultError("Missing required parameter: user_id"), nil
	}

	tasks, err := s.engine.Tasks(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(tasks)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	instanceID, ok := args["instance_id"].(string)
	if !ok || instanceID == "" {
		return mcp.NewToolResultError("Missing required parameter: instance_id"), nil
	}

	history, err := s.engine.GetHistory(ctx, instanceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(history)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
