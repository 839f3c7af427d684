package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/go-quest/internal/calendar"
	"github.com/basket/go-quest/internal/clock"
	"github.com/basket/go-quest/internal/lifecycle"
	"github.com/basket/go-quest/internal/persistence"
	"github.com/basket/go-quest/internal/shared"
)

// requireUser returns the caller's id or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := shared.UserID(r.Context())
	if id == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing user identity", "")
		return "", false
	}
	return id, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := persistence.ListFilter{
		SeriesID: q.Get("seriesId"),
		FromDate: q.Get("from"),
		ToDate:   q.Get("to"),
	}
	if v := q.Get("includeTemplates"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "includeTemplates must be a boolean", "includeTemplates")
			return
		}
		f.IncludeTemplates = b
	}
	for field, v := range map[string]string{"from": f.FromDate, "to": f.ToDate} {
		if v != "" && !clock.ValidDateKey(v) {
			writeJSONError(w, http.StatusBadRequest, "expected YYYY-MM-DD", field)
			return
		}
	}

	tasks, err := s.cfg.Tasks.ListTasks(r.Context(), userID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	task, err := s.cfg.Tasks.GetTask(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":  task,
		"state": lifecycle.StateOf(task),
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	patch, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	ec, err := s.cfg.Tasks.ExecutionContext(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Tasks.CreateTask(ctx, ec, userID, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	scope, err := lifecycle.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	patch, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	ec, err := s.cfg.Tasks.ExecutionContext(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Tasks.UpdateTask(ctx, ec, userID, r.PathValue("id"), scope, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	scope, err := lifecycle.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Tasks.DeleteTask(r.Context(), userID, r.PathValue("id"), scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	task, err := s.cfg.Tasks.GetTask(ctx, userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.cfg.Store.ListAudit(ctx, task.ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []persistence.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": records})
}

type userRequest struct {
	TimeZone    string `json:"timezone"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	u, err := s.cfg.Store.GetUser(r.Context(), userID)
	if errors.Is(err, persistence.ErrNotFound) {
		// No stored preference yet.
		u, err = &persistence.User{ID: userID, TimeZone: s.cfg.DefaultTimeZone}, nil
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handlePutMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req userRequest
	if err := decodeBody(r, userSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := clock.LoadLocation(req.TimeZone); err != nil {
		writeJSONError(w, http.StatusBadRequest, "unknown timezone", "timezone")
		return
	}
	ctx := r.Context()
	if err := s.cfg.Store.UpsertUser(ctx, &persistence.User{ID: userID, DisplayName: req.DisplayName, TimeZone: req.TimeZone}); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	ec, err := s.cfg.Tasks.ExecutionContext(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := ec.Location()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := s.cfg.Tasks.ListTasks(ctx, userID, persistence.ListFilter{IncludeTemplates: true})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := calendar.Render(tasks, calendar.Options{Name: "go-quest", Location: loc, Now: ec.Now})
	w.Header().Set("Content-Type", calendar.ContentType)
	w.Header().Set("Content-Disposition", `inline; filename="`+calendar.Filename(userID)+`"`)
	_, _ = w.Write([]byte(body))
}
