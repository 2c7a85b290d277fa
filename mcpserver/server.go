package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/tracebox/analysis"
	"github.com/isdmx/tracebox/config"
	"github.com/isdmx/tracebox/jobs"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	service    analysis.Service
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, service analysis.Service) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		service: service,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.Int("sandbox.timeout_ms", s.config.Sandbox.TimeoutMS),
		zap.Int("sandbox.limits.cpu_time_sec", s.config.Sandbox.Limits.CPUTimeSec),
		zap.Int("sandbox.limits.memory_mb", s.config.Sandbox.Limits.MemoryMB),
		zap.String("analysis.executable", s.config.Analysis.Executable),
		zap.String("jobs.work_dir", s.config.Jobs.WorkDir),
		zap.String("jobs.store", s.config.Jobs.Store),
	)

	s.mcpServer = server.NewMCPServer("tracebox-analyzer", "1.0.0", server.WithToolCapabilities(false))

	s.registerAnalyzeCodeTool()
	s.registerGetJobTool()
	s.registerListToolsTool()
	s.registerExampleTools()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

// registerAnalyzeCodeTool registers the analyze_code tool
func (s *MCPServer) registerAnalyzeCodeTool() {
	tool := mcp.Tool{
		Name:        "analyze_code",
		Description: "Run the ctrace analyzer over C/C++ source files inside a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"files": map[string]any{
					"type":                 "object",
					"description":          "Source files keyed by file name (.c, .cpp, .h, .hpp)",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"static": map[string]any{
					"type":        "boolean",
					"description": "Run static analysis",
				},
				"dynamic": map[string]any{
					"type":        "boolean",
					"description": "Run dynamic analysis",
				},
				"tools": map[string]any{
					"type":        "array",
					"description": "Analyzer tools to invoke, see list_tools",
					"items":       map[string]any{"type": "string"},
				},
			},
			Required: []string{"files"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleAnalyzeCode)
}

func (s *MCPServer) registerGetJobTool() {
	tool := mcp.Tool{
		Name:        "get_job",
		Description: "Get the status and result of an analysis job",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"job_id": map[string]any{
					"type":        "string",
					"description": "Job ID returned by analyze_code",
				},
			},
			Required: []string{"job_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleGetJob)
}

func (s *MCPServer) registerListToolsTool() {
	tool := mcp.Tool{
		Name:        "list_tools",
		Description: "List the analyzer tools that analyze_code can invoke",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}

	s.mcpServer.AddTool(tool, s.handleListTools)
}

func (s *MCPServer) registerExampleTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_examples",
		Description: "List the bundled example programs",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, s.handleListExamples)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_example",
		Description: "Get the source files of a bundled example",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Example ID from list_examples",
				},
			},
			Required: []string{"id"},
		},
	}, s.handleGetExample)
}

// handleAnalyzeCode handles the analyze_code tool
func (s *MCPServer) handleAnalyzeCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("code analysis requested")

	args := request.GetArguments()
	rawFiles, ok := args["files"].(map[string]any)
	if !ok {
		return nil, errors.New("files parameter is required and must be an object")
	}
	files := make(map[string]string, len(rawFiles))
	for name, content := range rawFiles {
		text, ok := content.(string)
		if !ok {
			return errorResult(fmt.Sprintf("Invalid content type for %s", name)), nil
		}
		files[name] = text
	}

	options := jobs.Options{
		Static:  request.GetBool("static", false),
		Dynamic: request.GetBool("dynamic", false),
	}
	if rawTools, ok := args["tools"].([]any); ok {
		for _, t := range rawTools {
			name, ok := t.(string)
			if !ok {
				return nil, fmt.Errorf("tools must be strings, got %T", t)
			}
			options.Tools = append(options.Tools, name)
		}
	}

	result, err := s.service.Analyze(ctx, files, options)
	if err != nil {
		var verr *analysis.ValidationError
		if errors.As(err, &verr) {
			return errorResult("Validation failed: " + strings.Join(verr.Violations, "; ")), nil
		}
		s.logger.Error("analysis failed", zap.Error(err), zap.Int("files", len(files)))
		return errorResult(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	s.logger.Info("code analysis completed",
		zap.String("job_id", result.JobID),
		zap.Bool("success", result.Success),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return jsonResult(result)
}

func (s *MCPServer) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return nil, fmt.Errorf("job_id parameter is required: %w", err)
	}

	job, err := s.service.Job(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		return errorResult("Job not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return jsonResult(job)
}

func (s *MCPServer) handleListTools(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools, err := s.service.Tools(ctx)
	if err != nil {
		s.logger.Error("failed to list analyzer tools", zap.Error(err))
		return errorResult(fmt.Sprintf("Failed to get available tools: %v", err)), nil
	}
	return jsonResult(map[string]any{"tools": tools})
}

func (s *MCPServer) handleListExamples(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.service.Examples())
}

func (s *MCPServer) handleGetExample(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}

	example, err := s.service.Example(id)
	if errors.Is(err, analysis.ErrExampleNotFound) {
		return errorResult("Example not found"), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(example)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if err := s.httpServer.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP transport if it is running
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
