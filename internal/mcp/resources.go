package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/claude/setkeeper/internal/models"
)

func (h *handlers) deadLetter(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	items, err := h.ds.DeadLetter(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.DeadLetterItem{}
	}

	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
