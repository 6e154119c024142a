// Package httpapi is the REST adapter over the app facade: a thin
// net/http layer translating wire requests into core operations and
// core results back into JSON. Handlers call straight into the domain
// packages; no business logic lives in the transport layer. Notes,
// search, jobs, archives, and collections all follow the identical
// decode/call/encode pattern, so further routes are a mechanical
// extension.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortemi/fortemi/internal/app"
	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/embedding"
	"github.com/fortemi/fortemi/internal/jobs"
	"github.com/fortemi/fortemi/internal/model"
	"github.com/fortemi/fortemi/internal/notestore"
	"github.com/fortemi/fortemi/internal/search"
)

// Server holds the app facade and satisfies http.Handler via its mux.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New builds a Server with every representative route registered.
func New(a *app.App) *Server {
	s := &Server{app: a, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /api/v1/notes", s.handleCreateNote)
	s.mux.HandleFunc("GET /api/v1/notes/{id}", s.handleGetNote)
	s.mux.HandleFunc("DELETE /api/v1/notes/{id}", s.handleDeleteNote)
	s.mux.HandleFunc("GET /api/v1/notes/{id}/links", s.handleNoteLinks)
	s.mux.HandleFunc("GET /api/v1/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/v1/concepts/autocomplete", s.handleConceptAutocomplete)
	s.mux.HandleFunc("POST /api/v1/jobs", s.handleEnqueueJob)
	s.mux.HandleFunc("POST /api/v1/archives", s.handleCreateArchive)
	s.mux.HandleFunc("GET /api/v1/collections", s.handleListCollections)
	s.mux.HandleFunc("POST /api/v1/collections", s.handleCreateCollection)
	s.mux.HandleFunc("PATCH /api/v1/collections/{id}", s.handleUpdateCollection)
	s.mux.HandleFunc("DELETE /api/v1/collections/{id}", s.handleDeleteCollection)
}

func archiveParam(r *http.Request) string { return r.URL.Query().Get("archive") }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case apperr.CodeValidation:
			status = http.StatusBadRequest
		case apperr.CodeNotFound:
			status = http.StatusNotFound
		case apperr.CodeConflict:
			status = http.StatusConflict
		case apperr.CodeBackendUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Version is set by cmd/fortemi's build, surfaced on /health.
var Version = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"capabilities": []string{
			"notes", "search", "jobs", "skos", "archives", "provenance",
		},
	})
}

type createNoteRequest struct {
	Title      *string        `json:"title"`
	Content    string         `json:"content"`
	Format     string         `json:"format"`
	Source     string         `json:"source"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
	Visibility string         `json:"visibility"`
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var req createNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed request body: %v", err))
		return
	}
	tags := make([]model.NoteTag, 0, len(req.Tags))
	for _, t := range req.Tags {
		tags = append(tags, model.NoteTag{Tag: t})
	}
	note, err := s.app.CreateNote(ctx, sc, notestore.CreateNoteInput{
		Title:      req.Title,
		Content:    req.Content,
		Format:     req.Format,
		Source:     req.Source,
		Tags:       tags,
		Metadata:   req.Metadata,
		Visibility: req.Visibility,
	}, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid note id %q", r.PathValue("id"))
	}
	return id, nil
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	note, err := s.app.Notes.Get(ctx, sc, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.app.DeleteNote(ctx, sc, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNoteLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	outgoing, incoming, err := s.app.Notes.GetLinks(ctx, sc, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outgoing": outgoing, "incoming": incoming})
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	query := search.Query{
		Text:  q.Get("q"),
		Tags:  splitCSV(q.Get("tags")),
		Limit: limit,
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.CreatedAfter = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.CreatedBefore = &t
		}
	}
	if q.Get("q") != "" && s.app.Embeddings != nil {
		vec, err := s.app.Embeddings.Embed(ctx, q.Get("q"), embedding.PurposeQuery)
		if err == nil {
			v := pgvector.NewVector(vec)
			query.QueryVector = &v
			cfgID, cerr := s.app.EmbedSets.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
				Provider:  s.app.Config.Embedding.Provider,
				Model:     s.app.Embeddings.Model(),
				Dimension: s.app.Embeddings.Dimensions(),
			})
			if cerr == nil {
				if setID, derr := s.app.EmbedSets.EnsureDefaultPoolSet(ctx, sc, cfgID); derr == nil {
					query.SetID = &setID
				}
			}
		}
	}
	results, err := s.app.Search.Search(ctx, sc, query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleConceptAutocomplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	matches, err := s.app.Concepts.Autocomplete(ctx, sc, r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

type enqueueJobRequest struct {
	NoteID   *uuid.UUID     `json:"note_id"`
	Type     model.JobType  `json:"type"`
	Priority int            `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed request body: %v", err))
		return
	}
	result, err := s.app.Jobs.Enqueue(ctx, jobs.EnqueueInput{
		Archive:  sc.Archive,
		NoteID:   req.NoteID,
		Type:     req.Type,
		Priority: req.Priority,
		Payload:  req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

type createArchiveRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed request body: %v", err))
		return
	}
	sc, err := s.app.CreateArchive(ctx, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"archive": sc.Archive})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	cols, err := s.app.Collections.List(ctx, sc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

type createCollectionRequest struct {
	Name     string     `json:"name"`
	ParentID *uuid.UUID `json:"parent_id"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	var req createCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed request body: %v", err))
		return
	}
	c, err := s.app.Collections.Create(ctx, sc, req.Name, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type updateCollectionRequest struct {
	Name     *string    `json:"name"`
	ParentID *uuid.UUID `json:"parent_id"`
	Move     bool       `json:"move"`
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed request body: %v", err))
		return
	}
	if req.Name != nil {
		if err := s.app.Collections.Rename(ctx, sc, id, *req.Name); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Move {
		if err := s.app.Collections.Move(ctx, sc, id, req.ParentID); err != nil {
			writeError(w, err)
			return
		}
	}
	c, err := s.app.Collections.Get(ctx, sc, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc, err := s.app.ResolveArchive(ctx, archiveParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.app.Collections.Delete(ctx, sc, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
