// Package mcpadapter exposes read-only operator tools over the Model Context
// Protocol.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

const (
	serverName    = "document-pipeline"
	serverVersion = "1.0.0"
)

type Tools struct {
	documents ports.DocumentReader
	stages    ports.StageRecorder
}

func NewTools(documents ports.DocumentReader, stages ports.StageRecorder) *Tools {
	return &Tools{documents: documents, stages: stages}
}

// Server registers the tools on a fresh MCP server.
func (t *Tools) Server() *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("get_document",
		mcp.WithDescription("Return the lifecycle state of one document."),
		mcp.WithNumber("document_id", mcp.Required(), mcp.Description("Numeric document id.")),
	), t.getDocument)

	s.AddTool(mcp.NewTool("list_stage_attempts",
		mcp.WithDescription("Return the stage attempt history of one document, oldest first."),
		mcp.WithNumber("document_id", mcp.Required(), mcp.Description("Numeric document id.")),
	), t.listStageAttempts)

	return s
}

// Handler serves the tools over streamable HTTP.
func (t *Tools) Handler() http.Handler {
	return server.NewStreamableHTTPServer(t.Server())
}

func (t *Tools) getDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := documentID(req)
	if errResult != nil {
		return errResult, nil
	}
	doc, err := t.documents.GetByID(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(doc)
}

func (t *Tools) listStageAttempts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := documentID(req)
	if errResult != nil {
		return errResult, nil
	}
	attempts, err := t.stages.History(ctx, id)
	if err != nil {
		return toolError(err)
	}
	if attempts == nil {
		attempts = []domain.StageAttempt{}
	}
	return jsonResult(attempts)
}

func documentID(req mcp.CallToolRequest) (int64, *mcp.CallToolResult) {
	id, err := req.RequireInt("document_id")
	if err != nil {
		return 0, mcp.NewToolResultError(err.Error())
	}
	if id <= 0 {
		return 0, mcp.NewToolResultError("document_id must be positive")
	}
	return int64(id), nil
}

// toolError reports domain failures inside the tool result; only
// infrastructure failures become protocol errors.
func toolError(err error) (*mcp.CallToolResult, error) {
	switch {
	case domain.IsKind(err, domain.ErrDocumentNotFound), domain.IsKind(err, domain.ErrInvalidInput):
		return mcp.NewToolResultError(err.Error()), nil
	default:
		return nil, err
	}
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
