package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"editorial/api/internal/boards"
	"editorial/api/internal/search"
	"editorial/api/internal/store"
	"editorial/api/internal/tally"
	"editorial/api/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const userHeader = "X-User-ID"

type HTTPServer struct {
	service *Service
	log     logrus.FieldLogger
}

func NewHTTPServer(service *Service, log logrus.FieldLogger) *HTTPServer {
	return &HTTPServer{service: service, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
		api.Get("/ready", s.handleReady)

		api.Post("/users", s.handleCreateUser)
		api.Delete("/users/{userID}", s.handleDeleteUser)

		api.Get("/boards", s.handleListBoards)
		api.Get("/boards/{boardID}", s.handleGetBoard)
		api.Put("/boards/{boardID}/members/{userID}", s.handleAddMember)
		api.Delete("/boards/{boardID}/members/{userID}", s.handleRemoveMember)

		api.Post("/publications", s.handleCreatePublication)
		api.Get("/publications", s.handleListPublications)
		api.Route("/publications/{publicationID}", func(pub chi.Router) {
			pub.Get("/", s.handleGetPublication)
			pub.Post("/identifiers", s.handleAddIdentifier)
			pub.Post("/submit", s.handleSubmit)
			pub.Post("/votes", s.handleCastVote)
			pub.Post("/evaluate", s.handleEvaluate)
			pub.Post("/branches", s.handleBranch)
			pub.Post("/merge-back", s.handleMergeBack)
			pub.Post("/finalize", s.handleFinalize)
		})

		api.Put("/identifiers/{identifierID}/content", s.handleSaveContent)
		api.Get("/identifiers/{identifierID}/history", s.handleHistory)
		api.Get("/identifiers/{identifierID}/comments", s.handleComments)
		api.Get("/identifiers/{identifierID}/revisions/{revisionID}", s.handleRevision)

		api.Get("/search", s.handleSearch)
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	user, err := s.service.CreateUser(r.Context(), body.ID, body.Name, body.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userView(user))
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListBoards(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Boards().List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]boardJSON, 0, len(items))
	for _, board := range items {
		out = append(out, boardView(board))
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": out})
}

func (s *HTTPServer) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.service.Boards().Get(r.Context(), chi.URLParam(r, "boardID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, boardView(board))
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request) {
	board, err := s.service.Boards().AddMember(r.Context(), chi.URLParam(r, "boardID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, boardView(board))
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	board, err := s.service.Boards().RemoveMember(r.Context(), chi.URLParam(r, "boardID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, boardView(board))
}

func (s *HTTPServer) handleCreatePublication(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	pub, err := s.service.CreatePublication(r.Context(), actor, body.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicationView(pub))
}

func (s *HTTPServer) handleListPublications(w http.ResponseWriter, r *http.Request) {
	owner, err := parseOwner(r.URL.Query().Get("owner"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.service.ListPublications(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]publicationJSON, 0, len(items))
	for _, pub := range items {
		out = append(out, publicationView(pub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"publications": out})
}

func (s *HTTPServer) handleGetPublication(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetPublication(r.Context(), chi.URLParam(r, "publicationID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	idents := make([]identifierJSON, 0, len(view.Identifiers))
	for _, ident := range view.Identifiers {
		idents = append(idents, identifierView(ident))
	}
	children := make([]publicationJSON, 0, len(view.Children))
	for _, child := range view.Children {
		children = append(children, publicationView(child))
	}
	votes := make([]voteJSON, 0, len(view.Votes))
	for _, vote := range view.Votes {
		votes = append(votes, voteView(vote))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"publication": publicationView(view.Publication),
		"identifiers": idents,
		"children":    children,
		"votes":       votes,
	})
}

func (s *HTTPServer) handleAddIdentifier(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Type string `json:"type"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	ident, err := s.service.AddIdentifier(r.Context(), chi.URLParam(r, "publicationID"), actor, body.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identifierView(ident))
}

func (s *HTTPServer) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	revision, err := s.service.SaveContent(r.Context(), chi.URLParam(r, "identifierID"), actor, body.Content, body.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisionId": revision})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	revision, err := s.service.Submit(r.Context(), chi.URLParam(r, "publicationID"), actor, body.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisionId": revision})
}

func (s *HTTPServer) handleCastVote(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		IdentifierID string `json:"identifierId"`
		Choice       string `json:"choice"`
		Comment      string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	result, err := s.service.CastVote(r.Context(), VoteInput{
		PublicationID: chi.URLParam(r, "publicationID"),
		IdentifierID:  body.IdentifierID,
		UserID:        actor,
		Choice:        body.Choice,
		Comment:       body.Comment,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := map[string]any{
		"vote":        voteView(result.Vote),
		"publication": publicationView(result.Publication),
	}
	if result.Decision != nil {
		response["decision"] = decisionView(*result.Decision)
	}
	if result.Created != nil {
		response["copy"] = publicationView(*result.Created)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	decision, err := s.service.Evaluate(r.Context(), chi.URLParam(r, "publicationID"), body.Action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionView(decision))
}

func (s *HTTPServer) handleBranch(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Owner string `json:"owner"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	target, err := parseOwner(body.Owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	child, err := s.service.Branch(r.Context(), chi.URLParam(r, "publicationID"), target, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicationView(child))
}

func (s *HTTPServer) handleMergeBack(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	root, err := s.service.MergeBack(r.Context(), chi.URLParam(r, "publicationID"), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicationView(root))
}

func (s *HTTPServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	pub, err := s.service.Finalize(r.Context(), chi.URLParam(r, "publicationID"), actor, body.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicationView(pub))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.HistoryView(r.Context(), chi.URLParam(r, "identifierID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": items})
}

func (s *HTTPServer) handleRevision(w http.ResponseWriter, r *http.Request) {
	identifierID := chi.URLParam(r, "identifierID")
	revisionID := chi.URLParam(r, "revisionID")
	content, err := s.service.RevisionContent(r.Context(), identifierID, revisionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identifierId": identifierID, "revisionId": revisionID, "content": content})
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Comments(r.Context(), chi.URLParam(r, "identifierID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]commentJSON, 0, len(items))
	for _, item := range items {
		out = append(out, commentView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": out})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:        strings.TrimSpace(query.Get("q")),
		FilterType:  search.ResultType(query.Get("type")),
		FilterOwner: query.Get("owner"),
		Limit:       20,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be between 1 and 100", nil)
			return
		}
		q.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "offset must be a non-negative integer", nil)
			return
		}
		q.Offset = offset
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		s.fail(w, r, unauthenticated())
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func parseOwner(raw string) (store.Owner, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || id == "" {
		return store.Owner{}, validationError("owner must look like user:<id> or board:<id>")
	}
	switch store.OwnerKind(kind) {
	case store.OwnerUser, store.OwnerBoard:
		return store.Owner{Kind: store.OwnerKind(kind), ID: id}, nil
	}
	return store.Owner{}, validationError("unknown owner kind %q", kind)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", reqID)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  reqID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	return util.NewID("req")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, tally.ErrUnknownDecree), errors.Is(err, tally.ErrInvalidDecree), errors.Is(err, tally.ErrNoMembers):
		return http.StatusUnprocessableEntity, "VALIDATION", err.Error(), nil
	case errors.Is(err, boards.ErrInvalidBoard):
		return http.StatusUnprocessableEntity, "VALIDATION", err.Error(), nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
