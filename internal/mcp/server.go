// Package mcp exposes tenant administration as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"tenantcore/internal/repository"
	"tenantcore/internal/services"
	"tenantcore/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	tenants   *services.TenantService
}

func NewServer(tenants *services.TenantService, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Tenant Core",
			version,
			server.WithToolCapabilities(true),
		),
		tenants: tenants,
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
			"list_tenants",
			mcp.WithDescription("List registered tenants"),
			mcp.WithNumber("page", mcp.Description("Page number, starting at 1")),
			mcp.WithNumber("page_size", mcp.Description("Tenants per page")),
			mcp.WithString("status", mcp.Description("Only tenants with this status")),
			mcp.WithString("search", mcp.Description("Match against name or subdomain")),
		),
		s.handleListTenants,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_tenant",
			mcp.WithDescription("Get one tenant by ID"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the tenant")),
		),
		s.handleGetTenant,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"set_tenant_status",
			mcp.WithDescription("Activate, suspend or deactivate a tenant"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the tenant")),
			mcp.WithString("status", mcp.Required(), mcp.Description("One of active, inactive, suspended")),
		),
		s.handleSetTenantStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resume_provisioning",
			mcp.WithDescription("Retry provisioning of a tenant that did not finish"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the tenant")),
		),
		s.handleResumeProvisioning,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"connection_stats",
			mcp.WithDescription("List tenants with an open database connection"),
		),
		s.handleConnectionStats,
	)
}

func (s *Server) handleListTenants(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := repository.ListOptions{
		Page:     request.GetInt("page", 0),
		PageSize: request.GetInt("page_size", 0),
		Status:   models.TenantStatus(request.GetString("status", "")),
		Search:   request.GetString("search", ""),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown status: %s", opts.Status)), nil
	}

	page, err := s.tenants.List(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tenants: %v", err)), nil
	}
	return jsonResult(page)
}

func (s *Server) handleGetTenant(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	tenant, err := s.tenants.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get tenant: %v", err)), nil
	}
	return jsonResult(tenant)
}

func (s *Server) handleSetTenantStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}
	raw, err := request.RequireString("status")
	if err != nil || raw == "" {
		return mcp.NewToolResultError("Missing required parameter: status"), nil
	}

	status := models.TenantStatus(raw)
	tenant, err := s.tenants.Update(ctx, id, models.TenantUpdate{Status: &status})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update tenant: %v", err)), nil
	}
	return jsonResult(tenant)
}

func (s *Server) handleResumeProvisioning(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	tenant, err := s.tenants.Resume(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resume provisioning: %v", err)), nil
	}
	return jsonResult(tenant)
}

func (s *Server) handleConnectionStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.tenants.ConnectionStats())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// Handler serves the MCP SSE transport under /mcp.
func Handler(mcpServer *server.MCPServer) http.Handler {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
	return mux
}
