// Package mcpapi is the MCP tool adapter over the app facade, one tool
// per representative REST verb: mcp.NewServer plus mcp.AddTool
// registration, typed input structs with jsonschema tags, and a
// textResult helper wrapping JSON in a single TextContent block.
// Binary payloads flow through filesystem paths, never through tool
// arguments.
package mcpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pgvector/pgvector-go"

	"github.com/fortemi/fortemi/internal/app"
	"github.com/fortemi/fortemi/internal/embedding"
	"github.com/fortemi/fortemi/internal/model"
	"github.com/fortemi/fortemi/internal/notestore"
	"github.com/fortemi/fortemi/internal/search"
)

// Version is set by cmd/fortemi before Serve is called.
var Version = "dev"

// Server wraps the app facade behind an *mcp.Server.
type Server struct {
	app *app.App
}

// New builds a Server.
func New(a *app.App) *Server { return &Server{app: a} }

// Run starts the MCP server on stdio and blocks until ctx is cancelled
// or the transport closes.
func (s *Server) Run(ctx context.Context) error {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "fortemi",
		Version: Version,
	}, nil)
	s.registerTools(server)
	return server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools(server *mcp.Server) {
	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}
	boolPtr := func(b bool) *bool { return &b }
	writeNonDestructive := &mcp.ToolAnnotations{DestructiveHint: boolPtr(false)}
	writeDestructive := &mcp.ToolAnnotations{DestructiveHint: boolPtr(true)}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_note",
		Description: "Create a note in the knowledge base. The note is persisted and the ingestion pipeline (revision history, concept tagging, reference extraction, embedding, linking) runs in the background.\n\nArgs:\n  content: The note's text content\n  title: Optional short title\n  archive: Optional archive name (default archive if omitted)\n  tags: Optional list of tags\n\nReturns the created note's id.",
		Annotations: writeNonDestructive,
	}, s.handleCreateNote)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_note",
		Description: "Read a note's current content and metadata by id.\n\nArgs:\n  id: Note UUID\n  archive: Optional archive name\n\nReturns the note.",
		Annotations: readOnly,
	}, s.handleGetNote)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_note",
		Description: "Soft-delete a note. It stops appearing in search immediately; it is hard-deleted later once no pipeline work remains outstanding for it.\n\nArgs:\n  id: Note UUID\n  archive: Optional archive name\n\nReturns confirmation.",
		Annotations: writeDestructive,
	}, s.handleDeleteNote)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_notes",
		Description: "Hybrid search over the knowledge base: full-text, semantic similarity, recency, and tag overlap fused into one ranked list.\n\nArgs:\n  query: Natural language or keyword query\n  tags: Optional comma-separated tags to weight\n  limit: Max results (default 20)\n  archive: Optional archive name\n\nReturns ranked notes with titles and snippets.",
		Annotations: readOnly,
	}, s.handleSearch)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_note_links",
		Description: "List the outgoing and incoming links for a note (notes it references, and notes that reference it, from the linking pipeline stage).\n\nArgs:\n  id: Note UUID\n  archive: Optional archive name\n\nReturns { outgoing, incoming }.",
		Annotations: readOnly,
	}, s.handleNoteLinks)
}

func textResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
}

func textError(format string, args ...any) (*mcp.CallToolResult, any, error) {
	msg := fmt.Sprintf(format, args...)
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + msg}}}, nil, nil
}

type createNoteInput struct {
	Content string   `json:"content" jsonschema:"The note's text content"`
	Title   string   `json:"title,omitempty" jsonschema:"Optional short title"`
	Archive string   `json:"archive,omitempty" jsonschema:"Optional archive name"`
	Tags    []string `json:"tags,omitempty" jsonschema:"Optional list of tags"`
}

func (s *Server) handleCreateNote(ctx context.Context, req *mcp.CallToolRequest, input createNoteInput) (*mcp.CallToolResult, any, error) {
	if input.Content == "" {
		return textError("content is required")
	}
	sc, err := s.app.ResolveArchive(ctx, input.Archive)
	if err != nil {
		return textError("%v", err)
	}
	var title *string
	if input.Title != "" {
		title = &input.Title
	}
	tags := make([]model.NoteTag, 0, len(input.Tags))
	for _, t := range input.Tags {
		tags = append(tags, model.NoteTag{Tag: t})
	}
	note, err := s.app.CreateNote(ctx, sc, notestore.CreateNoteInput{
		Title:   title,
		Content: input.Content,
		Format:  "markdown",
		Source:  "mcp",
		Tags:    tags,
	}, false)
	if err != nil {
		return textError("%v", err)
	}
	return textResult(note)
}

type noteIDInput struct {
	ID      string `json:"id" jsonschema:"Note UUID"`
	Archive string `json:"archive,omitempty" jsonschema:"Optional archive name"`
}

func (s *Server) handleGetNote(ctx context.Context, req *mcp.CallToolRequest, input noteIDInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return textError("invalid note id %q", input.ID)
	}
	sc, err := s.app.ResolveArchive(ctx, input.Archive)
	if err != nil {
		return textError("%v", err)
	}
	note, err := s.app.Notes.Get(ctx, sc, id)
	if err != nil {
		return textError("%v", err)
	}
	return textResult(note)
}

func (s *Server) handleDeleteNote(ctx context.Context, req *mcp.CallToolRequest, input noteIDInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return textError("invalid note id %q", input.ID)
	}
	sc, err := s.app.ResolveArchive(ctx, input.Archive)
	if err != nil {
		return textError("%v", err)
	}
	if err := s.app.DeleteNote(ctx, sc, id); err != nil {
		return textError("%v", err)
	}
	return textResult(map[string]string{"status": "deleted", "id": id.String()})
}

func (s *Server) handleNoteLinks(ctx context.Context, req *mcp.CallToolRequest, input noteIDInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return textError("invalid note id %q", input.ID)
	}
	sc, err := s.app.ResolveArchive(ctx, input.Archive)
	if err != nil {
		return textError("%v", err)
	}
	outgoing, incoming, err := s.app.Notes.GetLinks(ctx, sc, id)
	if err != nil {
		return textError("%v", err)
	}
	return textResult(map[string]any{"outgoing": outgoing, "incoming": incoming})
}

type searchInput struct {
	Query   string `json:"query" jsonschema:"Natural language or keyword query"`
	Tags    string `json:"tags,omitempty" jsonschema:"Comma-separated tags to weight"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Max results (default 20)"`
	Archive string `json:"archive,omitempty" jsonschema:"Optional archive name"`
}

func (s *Server) handleSearch(ctx context.Context, req *mcp.CallToolRequest, input searchInput) (*mcp.CallToolResult, any, error) {
	if input.Query == "" {
		return textError("query is required")
	}
	sc, err := s.app.ResolveArchive(ctx, input.Archive)
	if err != nil {
		return textError("%v", err)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	q := search.Query{Text: input.Query, Limit: limit}
	if input.Tags != "" {
		q.Tags = splitTags(input.Tags)
	}
	if s.app.Embeddings != nil {
		if vec, err := s.app.Embeddings.Embed(ctx, input.Query, embedding.PurposeQuery); err == nil {
			v := pgvector.NewVector(vec)
			q.QueryVector = &v
			if cfgID, err := s.app.EmbedSets.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
				Provider:  s.app.Config.Embedding.Provider,
				Model:     s.app.Embeddings.Model(),
				Dimension: s.app.Embeddings.Dimensions(),
			}); err == nil {
				if setID, err := s.app.EmbedSets.EnsureDefaultPoolSet(ctx, sc, cfgID); err == nil {
					q.SetID = &setID
				}
			}
		}
	}
	results, err := s.app.Search.Search(ctx, sc, q)
	if err != nil {
		return textError("%v", err)
	}
	if len(results) == 0 {
		return textResult([]search.Result{})
	}
	return textResult(results)
}

func splitTags(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
