package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/common/logger"
)

// apiClient calls the local HTTP API on behalf of tool handlers.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newAPIClient(cfg Config) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(cfg.HeadspaceURL, "/"),
		token:   cfg.AuthToken,
		// Generous enough for a respond call that types a long answer into
		// the pane and waits out the verification retries.
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// get fetches a path and returns the raw JSON body with the status code.
func (c *apiClient) get(ctx context.Context, path string) (json.RawMessage, int, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// send marshals the payload and submits it, returning the raw JSON body with
// the status code.
func (c *apiClient) send(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode payload: %w", err)
	}
	return c.do(ctx, method, path, body)
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, resp.StatusCode, nil
}

// registerTools wires the observability tools onto the MCP server. Every tool
// calls the local HTTP API, so MCP clients see exactly what the dashboards
// see and every mutation lands on the audited paths.
func registerTools(s *server.MCPServer, api *apiClient, log *logger.Logger) {
	// Parameter-less tools use a raw schema so the generated JSON keeps
	// "properties": {}; the default schema type drops the empty map, which
	// some client-side validators reject.
	s.AddTool(
		mcp.NewToolWithRawSchema("list_projects",
			"List all registered projects with their ids, names and paths. Use this first to get project IDs.",
			json.RawMessage(`{"type":"object","properties":{}}`),
		),
		listProjectsHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List agent sessions with their current task state."),
			mcp.WithBoolean("active",
				mcp.Description("When true, only sessions that have not ended are returned"),
			),
		),
		listSessionsHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get one session with its current task and recent events."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID; the launcher's external ID is also accepted"),
			),
		),
		getSessionHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("respond_to_session",
			mcp.WithDescription(
				"Deliver text into a session's terminal pane. "+
					"Mode \"answer\" (the default) requires the session to be awaiting input; "+
					"mode \"command\" sends a fresh instruction regardless of state.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to respond to"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The text to type into the session"),
			),
			mcp.WithString("mode",
				mcp.Description("\"answer\" or \"command\" (default: answer)"),
			),
		),
		respondHandler(api, log),
	)

	s.AddTool(
		mcp.NewToolWithRawSchema("get_objective",
			"Get the shared objective all sessions are working toward.",
			json.RawMessage(`{"type":"object","properties":{}}`),
		),
		getObjectiveHandler(api, log),
	)

	s.AddTool(
		mcp.NewTool("set_objective",
			mcp.WithDescription("Replace the shared objective text."),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The new objective text"),
			),
		),
		setObjectiveHandler(api, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

func listProjectsHandler(api *apiClient, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, status, err := api.get(ctx, "/api/projects")
		if err != nil {
			log.Error("failed to fetch projects", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch projects: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
		}

		formatted, _ := json.MarshalIndent(body, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func listSessionsHandler(api *apiClient, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := "/api/sessions"
		if req.GetBool("active", false) {
			path += "?active=true"
		}

		body, status, err := api.get(ctx, path)
		if err != nil {
			log.Error("failed to fetch sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch sessions: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
		}

		formatted, _ := json.MarshalIndent(body, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getSessionHandler(api *apiClient, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, status, err := api.get(ctx, "/api/sessions/"+sessionID)
		if err != nil {
			log.Error("failed to fetch session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch session: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
		}

		formatted, _ := json.MarshalIndent(body, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func respondHandler(api *apiClient, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"text": text,
		}
		if mode := req.GetString("mode", ""); mode != "" {
			payload["mode"] = mode
		}

		body, status, err := api.send(ctx, http.MethodPost, "/api/respond/"+sessionID, payload)
		if err != nil {
			log.Error("failed to respond to session", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to respond: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
		}

		formatted, _ := json.MarshalIndent(body, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getObjectiveHandler(api *apiClient, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, status, err := api.get(ctx, "/api/objective")
		if err != nil {
			log.Error("failed to fetch objective", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch objective: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
		}

		formatted, _ := json.MarshalIndent(body, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func setObjectiveHandler(api *apiClient, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, status, err := api.send(ctx, http.MethodPut, "/api/objective", map[string]interface{}{
			"text": text,
		})
		if err != nil {
			log.Error("failed to set objective", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to set objective: %v", err)), nil
		}
		if status >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
		}

		formatted, _ := json.MarshalIndent(body, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
