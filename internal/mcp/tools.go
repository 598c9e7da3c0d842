package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool definitions ---

var toolGetActiveSession = mcp.NewTool("get_active_session",
	mcp.WithDescription("Return the in-progress workout session stored locally, its active/unsaved flags and whether it is past the 24h recovery window. The session is null when none is stored or it failed validation."),
)

var toolGetStorageReport = mcp.NewTool("get_storage_report",
	mcp.WithDescription("Check local storage pressure. Returns total bytes, status (ok, warning, critical), bytes per key category and how many entries were evicted. Checks are throttled to one per minute; a cached report has throttled=true."),
)

var toolGetSyncStatus = mcp.NewTool("get_sync_status",
	mcp.WithDescription("Return the sync queue state: pending and dead-letter depth, connectivity, the last pass and the view currently holding the leader lease."),
)

var toolReprocessDeadLetter = mcp.NewTool("reprocess_dead_letter",
	mcp.WithDescription("Move every dead-letter task back to the pending queue with its attempt count reset. The leader view delivers them on its next pass."),
	mcp.WithBoolean("confirm", mcp.Required(), mcp.Description("Must be true to reprocess")),
)

// --- Tool handlers ---

func (h *handlers) getActiveSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := h.ds.ActiveSession(ctx)
	if err != nil {
		h.log.Error("mcp get_active_session", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(sess)
}

func (h *handlers) getStorageReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := h.ds.StorageReport(ctx)
	if err != nil {
		h.log.Error("mcp get_storage_report", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(rep)
}

func (h *handlers) getSyncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.ds.SyncStatus(ctx)
	if err != nil {
		h.log.Error("mcp get_sync_status", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(st)
}

func (h *handlers) reprocessDeadLetter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !req.GetBool("confirm", false) {
		return mcp.NewToolResultError("confirm must be true"), nil
	}
	n, err := h.ds.ReprocessDeadLetter(ctx)
	if err != nil {
		h.log.Error("mcp reprocess_dead_letter", "error", err)
		return mcp.NewToolResultError("reprocess failed: " + err.Error()), nil
	}
	h.log.Info("dead letter reprocessed via mcp", "tasks", n)
	return jsonResult(map[string]int{"reprocessed": n})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return mcp.NewToolResultError("serialization failed"), nil
	}
	return result, nil
}
