// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes histkeep backup, import and export tools via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/histkeep/internal/api"
	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/normalize"
)

const formatURI = "histkeep://export-format"

var errRunFailed = errors.New("run failed")

// runResult renders a run summary, as an error result when the run failed.
func runResult(res *models.BackupRunResult) *mcp.CallToolResult {
	if res.Failed {
		return errorResult(errRunFailed, res)
	}
	return jsonResult(res)
}

// Server wraps the MCP server with histkeep tools.
type Server struct {
	mcp *server.MCPServer
	svc *api.Service
}

// New creates a new MCP server with all histkeep tools registered.
func New(svc *api.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"histkeep",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("backup_status",
		mcp.WithDescription("Show the automatic backup schedule, counters, catalogued backups and the next run."),
	), s.backupStatus)

	s.mcp.AddTool(mcp.NewTool("configure_backup",
		mcp.WithDescription("Save automatic backup settings and reschedule. "+
			"A frequency other than disabled requires a destination folder or provider name."),
		mcp.WithString("frequency", mcp.Required(), mcp.Enum("hourly", "daily", "weekly", "monthly", "disabled"),
			mcp.Description("How often to back up")),
		mcp.WithString("folderPathOrProvider", mcp.Description("Local directory or configured cloud provider name")),
		mcp.WithNumber("maxBackups", mcp.Description("Backups to keep before the oldest are deleted (default 10)")),
		mcp.WithBoolean("includeHistory", mcp.Description("Include browsing history (default true)")),
		mcp.WithBoolean("includeBookmarks", mcp.Description("Include bookmarks (default true)")),
	), s.configureBackup)

	s.mcp.AddTool(mcp.NewTool("run_backup",
		mcp.WithDescription("Run a backup now using the saved settings."),
	), s.runBackup)

	s.mcp.AddTool(mcp.NewTool("restore_backup",
		mcp.WithDescription("Verify a catalogued backup's checksum and import it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Artifact name as listed by backup_status")),
		mcp.WithString("mode", mcp.Enum("merge", "replace"), mcp.Description("Import mode (default merge)")),
	), s.restoreBackup)

	s.mcp.AddTool(mcp.NewTool("export_data",
		mcp.WithDescription("Export browsing history and bookmarks as JSON, HTML or CSV text."),
		mcp.WithString("format", mcp.Enum("json", "html", "csv"), mcp.Description("Output format (default json)")),
		mcp.WithString("period", mcp.Enum("today", "yesterday", "7days", "30days", "90days", "all", "custom"),
			mcp.Description("History window (default all)")),
		mcp.WithString("start", mcp.Description("Custom period start, YYYY-MM-DD")),
		mcp.WithString("end", mcp.Description("Custom period end, YYYY-MM-DD")),
		mcp.WithBoolean("history", mcp.Description("Include history (default true)")),
		mcp.WithBoolean("bookmarks", mcp.Description("Include bookmarks (default true)")),
		mcp.WithNumber("max", mcp.Description("Maximum history entries (0 for all)")),
	), s.exportData)

	s.mcp.AddTool(mcp.NewTool("import_data",
		mcp.WithDescription("Import history and bookmarks from exported content. "+
			"Read the format first via the get_export_format tool or the "+formatURI+" resource."),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content as text or a base64 data URI")),
		mcp.WithString("format", mcp.Enum("json", "html", "csv"), mcp.Description("Content format (default from data URI type, else json)")),
		mcp.WithString("mode", mcp.Enum("merge", "replace"), mcp.Description("Import mode (default merge)")),
	), s.importData)

	s.mcp.AddTool(mcp.NewTool("get_export_format",
		mcp.WithDescription("Returns the canonical export format description."),
	), s.getExportFormat)

	// Resource: export format contract.
	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Export Format",
			mcp.WithResourceDescription("Canonical JSON export format and import rules."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readExportFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

// errorResult explains err to the model. A run that produced a summary
// still returns it alongside the error.
func errorResult(err error, res *models.BackupRunResult) *mcp.CallToolResult {
	msg := err.Error()
	if errors.Is(err, errRunFailed) {
		msg = "the run failed: nothing was applied and every item reported an error"
	}
	if errors.Is(err, apperr.ErrRunInProgress) {
		msg = "another backup or import is running; try again when it finishes"
	}
	if res != nil {
		if out, mErr := json.MarshalIndent(res, "", "  "); mErr == nil {
			msg += "\n" + string(out)
		}
	}
	return mcp.NewToolResultError(msg)
}

func (s *Server) backupStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(st), nil
}

func (s *Server) configureBackup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	freq, err := req.RequireString("frequency")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	settings := models.BackupSettings{
		Frequency:        models.Frequency(freq),
		Destination:      req.GetString("folderPathOrProvider", ""),
		MaxBackups:       req.GetInt("maxBackups", 0),
		IncludeHistory:   req.GetBool("includeHistory", true),
		IncludeBookmarks: req.GetBool("includeBookmarks", true),
	}
	saved, err := s.svc.Configure(ctx, settings)
	if err != nil {
		return errorResult(err, nil), nil
	}
	return jsonResult(saved), nil
}

func (s *Server) runBackup(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.RunBackup(ctx)
	if err != nil {
		return errorResult(err, res), nil
	}
	return runResult(res), nil
}

func (s *Server) restoreBackup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.RestoreBackup(ctx, name, models.ParseMode(req.GetString("mode", "")))
	if err != nil {
		return errorResult(err, res), nil
	}
	return runResult(res), nil
}

// argString renders a tool argument the way it would appear in a query string.
func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func (s *Server) exportData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	get := func(k string) string { return argString(args, k) }

	format, err := normalize.ParseFormat(get("format"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts, err := api.ParseExportOptions(get)
	if err != nil {
		return errorResult(err, nil), nil
	}
	raw, ds, err := s.svc.Export(ctx, opts, format)
	if err != nil {
		return errorResult(err, nil), nil
	}
	summary := fmt.Sprintf("exported %d history entries and %d bookmarks as %s", len(ds.History), ds.BookmarkCount(), format)
	return mcp.NewToolResultText(summary + "\n\n" + string(raw)), nil
}

func (s *Server) importData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, detected, err := decodeContent(content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	format := detected
	if explicit := req.GetString("format", ""); explicit != "" || format == "" {
		if format, err = normalize.ParseFormat(explicit); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	res, err := s.svc.Import(ctx, raw, format, models.ParseMode(req.GetString("mode", "")))
	if err != nil {
		return errorResult(err, res), nil
	}
	return runResult(res), nil
}

func (s *Server) getExportFormat(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ExportFormatContract), nil
}

func (s *Server) readExportFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     ExportFormatContract,
		},
	}, nil
}
