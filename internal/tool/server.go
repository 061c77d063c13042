// Package tool exposes the publish pipeline to agent runtimes over MCP.
// Both tools go through the same job service as the HTTP intake.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/internal/job"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const (
	PublishTool = "knowledge-asset-publish"
	StatusTool  = "knowledge-asset-status"
)

type Server struct {
	service job.JobServiceInterface
	mcp     *server.MCPServer
	log     *zap.SugaredLogger
}

func NewServer(svc job.JobServiceInterface, version string, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		service: svc,
		log:     log,
		mcp: server.NewMCPServer(
			"kapublish",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	publish := mcp.NewTool(PublishTool,
		mcp.WithDescription("Queue a Knowledge Asset for publishing to the DKG. "+
			"Returns a job id at once; poll "+StatusTool+" for the network id."),
		mcp.WithObject("content",
			mcp.Required(),
			mcp.Description("JSON-LD document to publish"),
		),
		mcp.WithObject("metadata",
			mcp.Required(),
			mcp.Description("Where the content comes from"),
			mcp.Properties(map[string]any{
				"source":   map[string]any{"type": "string", "description": "Submitting integration"},
				"sourceId": map[string]any{"type": "string", "description": "Stable id of the item; repeated submissions while one is in flight return the same job"},
				"priority": map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			}),
		),
		mcp.WithObject("publishOptions",
			mcp.Description("Network publish options"),
			mcp.Properties(map[string]any{
				"privacy":     map[string]any{"type": "string", "enum": []string{"public", "private"}},
				"epochs":      map[string]any{"type": "integer", "minimum": 1},
				"maxAttempts": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
			}),
		),
	)
	s.mcp.AddTool(publish, s.handlePublish)

	status := mcp.NewTool(StatusTool,
		mcp.WithDescription("Read the state of a publish job"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Job id returned by "+PublishTool),
		),
	)
	s.mcp.AddTool(status, s.handleStatus)
}

// MCPServer returns the underlying server, for transports other than HTTP.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// HTTPHandler serves the streamable HTTP transport. Session ids live in
// sessions when it is non-nil.
func (s *Server) HTTPHandler(sessions server.SessionIdManager) http.Handler {
	var opts []server.StreamableHTTPOption
	if sessions != nil {
		opts = append(opts, server.WithSessionIdManager(sessions))
	}
	return server.NewStreamableHTTPServer(s.mcp, opts...)
}

func (s *Server) handlePublish(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("arguments are not JSON: %v", err)), nil
	}

	var req dto.PublishRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("arguments do not match the publish contract: %v", err)), nil
	}

	resp, err := s.service.Enqueue(ctx, &req)
	if err != nil {
		return s.toolError(err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.service.GetStatus(ctx, id)
	if err != nil {
		return s.toolError(err), nil
	}
	return jsonResult(resp)
}

// toolError reports service errors as tool results so the agent sees the
// code and field list instead of a transport failure.
func (s *Server) toolError(err error) *mcp.CallToolResult {
	var apiErr common.APIError
	if !errors.As(err, &apiErr) {
		s.log.Errorw("tool call failed", "error", err)
		return mcp.NewToolResultError("internal error")
	}

	body, mErr := json.Marshal(apiErr)
	if mErr != nil {
		return mcp.NewToolResultError(apiErr.Message)
	}
	return mcp.NewToolResultError(string(body))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode tool result")
	}
	return mcp.NewToolResultText(string(body)), nil
}
