// Package mcp exposes the session core to MCP clients for diagnostics:
// the active session, storage pressure, sync queue state and the dead
// letter queue.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// New creates an MCP server with all tools and resources registered.
func New(ds DataSource, version string, log *slog.Logger) *server.MCPServer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := server.NewMCPServer("setkeeper", version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("setkeeper session diagnostics. Inspect the in-progress workout, local storage pressure and the sync queue; reprocess parked deliveries."),
	)

	h := &handlers{ds: ds, log: log}

	s.AddTools(
		server.ServerTool{Tool: toolGetActiveSession, Handler: h.getActiveSession},
		server.ServerTool{Tool: toolGetStorageReport, Handler: h.getStorageReport},
		server.ServerTool{Tool: toolGetSyncStatus, Handler: h.getSyncStatus},
		server.ServerTool{Tool: toolReprocessDeadLetter, Handler: h.reprocessDeadLetter},
	)

	s.AddResources(
		server.ServerResource{Resource: resDeadLetter, Handler: h.deadLetter},
	)

	return s
}

// handlers holds dependencies for MCP tool/resource handlers.
type handlers struct {
	ds  DataSource
	log *slog.Logger
}

// --- Resource definitions ---

var resDeadLetter = mcp.NewResource(
	"setkeeper://dead_letter",
	"Dead Letter Queue",
	mcp.WithResourceDescription("Sync tasks parked after exhausting their delivery attempts, with the failure reason"),
	mcp.WithMIMEType("application/json"),
)
