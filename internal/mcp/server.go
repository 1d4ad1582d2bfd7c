// Package mcp exposes the retrieval service as MCP tools using the official SDK.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/search"
	"github.com/abdul-hamid-achik/vecrag/internal/service"
	"github.com/abdul-hamid-achik/vecrag/internal/version"
)

// Backend is the part of service.Service the tools call.
type Backend interface {
	Ask(ctx context.Context, query string, opts service.QueryOptions) (service.Answer, error)
	Retrieve(ctx context.Context, query string, opts service.QueryOptions) (search.RetrievalResult, error)
	IngestText(ctx context.Context, sourceName, text string) (corpus.Document, error)
	IngestPaths(ctx context.Context, paths []string) (*service.IngestReport, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]corpus.Document, error)
	Stats(ctx context.Context) (service.Stats, error)
}

// Input types for tools

// QueryInput is the input for rag_query.
type QueryInput struct {
	Query        string   `json:"query" jsonschema:"The question to answer from the indexed documents."`
	TopK         int      `json:"top_k,omitempty" jsonschema:"Maximum number of passages to retrieve."`
	Threshold    *float64 `json:"threshold,omitempty" jsonschema:"Minimum similarity score. Passages scoring at or below it are dropped."`
	RetrieveOnly bool     `json:"retrieve_only,omitempty" jsonschema:"Return the passages without generating an answer."`
}

// IngestTextInput is the input for rag_ingest_text.
type IngestTextInput struct {
	Text   string `json:"text" jsonschema:"The document text to add."`
	Source string `json:"source,omitempty" jsonschema:"Name the document is listed under, for example admissions-faq.txt."`
}

// IngestPathsInput is the input for rag_ingest_paths.
type IngestPathsInput struct {
	Paths []string `json:"paths" jsonschema:"Files or directories to ingest. Unchanged files are skipped."`
}

// DeleteInput is the input for rag_delete.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"The document id returned by ingestion or rag_list."`
}

// EmptyInput is the input for tools without parameters.
type EmptyInput struct{}

// ServerConfig contains configuration for the MCP server.
type ServerConfig struct {
	Backend Backend
	Logger  *slog.Logger
}

// Server wraps the official MCP SDK server.
type Server struct {
	server  *sdkmcp.Server
	backend Backend
	log     *slog.Logger
}

// NewServer creates a new MCP server with the rag tools registered.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		backend: cfg.Backend,
		log:     cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.server = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "vecrag",
		Version: version.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: "vecrag answers questions from an indexed document collection. " +
			"Use rag_query to ask a question, rag_ingest_text or rag_ingest_paths to add documents, " +
			"rag_list and rag_delete to manage them, and rag_status to check the index.",
	})

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "rag_query",
		Description: "Answer a question from the indexed documents. Returns the answer, the source passages and a confidence score between 0 and 1.",
	}, s.handleQuery)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "rag_ingest_text",
		Description: "Add a text document to the collection and index it immediately.",
	}, s.handleIngestText)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "rag_ingest_paths",
		Description: "Ingest files or directories (.txt, .md, .docx). Files already ingested with the same content are skipped.",
	}, s.handleIngestPaths)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "rag_delete",
		Description: "Delete a document and all of its indexed passages.",
	}, s.handleDelete)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "rag_list",
		Description: "List the stored documents with their ids and chunk counts.",
	}, s.handleList)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "rag_status",
		Description: "Get statistics about the index: documents, chunks, embedding model and readiness.",
	}, s.handleStatus)

	return s
}

// Run serves over stdio until ctx is canceled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdkmcp.StdioTransport{})
}

// SDK returns the underlying SDK server.
func (s *Server) SDK() *sdkmcp.Server {
	return s.server
}

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}

func errorResult(format string, args ...any) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func (s *Server) failure(op string, err error) *sdkmcp.CallToolResult {
	if errors.Is(err, service.ErrNotReady) {
		return errorResult("The index is still loading. Try again in a moment.")
	}
	s.log.Warn("mcp tool failed", "tool", op, "error", err)
	return errorResult("%s error: %v", op, err)
}

func (s *Server) handleQuery(ctx context.Context, req *sdkmcp.CallToolRequest, input QueryInput) (*sdkmcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return errorResult("query parameter is required"), nil, nil
	}
	opts := service.QueryOptions{TopK: input.TopK, Threshold: input.Threshold}

	if input.RetrieveOnly {
		res, err := s.backend.Retrieve(ctx, input.Query, opts)
		if err != nil {
			return s.failure("Retrieve", err), nil, nil
		}
		if res.Empty() {
			return textResult("No relevant passages found."), nil, nil
		}
		return textResult(formatPassages(res)), nil, nil
	}

	answer, err := s.backend.Ask(ctx, input.Query, opts)
	if err != nil {
		return s.failure("Query", err), nil, nil
	}

	var sb strings.Builder
	sb.WriteString(answer.Answer)
	sb.WriteString("\n")
	if len(answer.Sources) > 0 {
		sb.WriteString(fmt.Sprintf("\nConfidence: %.2f\nSources:\n", answer.Confidence))
		for _, src := range answer.Sources {
			sb.WriteString(fmt.Sprintf("- %s (chunk %d, score %.2f)\n", src.SourceName, src.ChunkIndex, src.Score))
		}
	}
	return textResult(sb.String()), nil, nil
}

func formatPassages(res search.RetrievalResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d passages (confidence %.2f):\n\n", len(res.Contexts), res.Confidence))
	for i, text := range res.Contexts {
		src := res.Sources[i]
		sb.WriteString(fmt.Sprintf("### Passage %d (score: %.2f)\n", i+1, src.Score))
		sb.WriteString(fmt.Sprintf("**Source:** %s, chunk %d\n\n", src.SourceName, src.ChunkIndex))
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (s *Server) handleIngestText(ctx context.Context, req *sdkmcp.CallToolRequest, input IngestTextInput) (*sdkmcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Text) == "" {
		return errorResult("text parameter is required"), nil, nil
	}
	doc, err := s.backend.IngestText(ctx, input.Source, input.Text)
	if err != nil {
		return s.failure("Ingest", err), nil, nil
	}
	return textResult(fmt.Sprintf("Ingested %s as %s (%d chunks).", doc.Filename, doc.ID, doc.Chunks)), nil, nil
}

func (s *Server) handleIngestPaths(ctx context.Context, req *sdkmcp.CallToolRequest, input IngestPathsInput) (*sdkmcp.CallToolResult, any, error) {
	if len(input.Paths) == 0 {
		return errorResult("paths parameter is required"), nil, nil
	}
	report, err := s.backend.IngestPaths(ctx, input.Paths)
	if err != nil {
		return s.failure("Ingest", err), nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Ingestion complete:\n")
	sb.WriteString(fmt.Sprintf("- Files ingested: %d\n", report.Ingested))
	sb.WriteString(fmt.Sprintf("- Files skipped (unchanged): %d\n", report.Skipped))
	sb.WriteString(fmt.Sprintf("- Chunks created: %d\n", report.Chunks))
	sb.WriteString(fmt.Sprintf("- Duration: %s\n", report.Duration))
	if len(report.Failures) > 0 {
		sb.WriteString(fmt.Sprintf("\nFailed: %d\n", len(report.Failures)))
		for _, f := range report.Failures {
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Path, f.Error))
		}
	}
	return textResult(sb.String()), nil, nil
}

func (s *Server) handleDelete(ctx context.Context, req *sdkmcp.CallToolRequest, input DeleteInput) (*sdkmcp.CallToolResult, any, error) {
	if input.ID == "" {
		return errorResult("id parameter is required"), nil, nil
	}
	removed, err := s.backend.Delete(ctx, input.ID)
	if err != nil {
		return s.failure("Delete", err), nil, nil
	}
	if !removed {
		return errorResult("Document %s not found.", input.ID), nil, nil
	}
	return textResult(fmt.Sprintf("Deleted document %s.", input.ID)), nil, nil
}

func (s *Server) handleList(ctx context.Context, req *sdkmcp.CallToolRequest, input EmptyInput) (*sdkmcp.CallToolResult, any, error) {
	docs, err := s.backend.List(ctx)
	if err != nil {
		return s.failure("List", err), nil, nil
	}
	if len(docs) == 0 {
		return textResult("No documents stored."), nil, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d documents:\n", len(docs)))
	for _, d := range docs {
		sb.WriteString(fmt.Sprintf("- %s  %s  (%d chunks)\n", d.ID, d.Filename, d.Chunks))
	}
	return textResult(sb.String()), nil, nil
}

func (s *Server) handleStatus(ctx context.Context, req *sdkmcp.CallToolRequest, input EmptyInput) (*sdkmcp.CallToolResult, any, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return s.failure("Status", err), nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Index Statistics:\n\n")
	sb.WriteString(fmt.Sprintf("Ready: %t\n", stats.Ready))
	sb.WriteString(fmt.Sprintf("Documents: %d (%d indexed)\n", stats.Documents, stats.IndexedDocuments))
	sb.WriteString(fmt.Sprintf("Chunks: %d\n", stats.Chunks))
	sb.WriteString(fmt.Sprintf("Embedding model: %s (%d dimensions)\n", stats.Model, stats.Dimension))
	sb.WriteString(fmt.Sprintf("Generator: %s\n", stats.Generator))
	sb.WriteString(fmt.Sprintf("Retrieval: top %d, threshold %.2f\n", stats.TopK, stats.Threshold))
	return textResult(sb.String()), nil, nil
}
