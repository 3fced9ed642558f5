package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/crowdtask-io/crowdtask/internal/middleware"
	"github.com/crowdtask-io/crowdtask/internal/models"
	"github.com/crowdtask-io/crowdtask/internal/services"
)

type Router struct {
	store       Store
	auth        *services.AuthService
	assignments *services.AssignmentService
	forms       *services.FormService
	selector    *services.SelectorService
	submissions *services.SubmissionService
	exports     *services.ExportService
	gallery     *services.GalleryService
}

func NewRouter(store Store) *Router {
	return &Router{
		store:       store,
		auth:        services.NewAuthService(store, middleware.SignToken),
		assignments: services.NewAssignmentService(store),
		forms:       services.NewFormService(store),
		selector:    services.NewSelectorService(store),
		submissions: services.NewSubmissionService(store),
		exports:     services.NewExportService(store),
		gallery:     services.NewGalleryService(store),
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", rt.handleRegister) // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)       // POST
	mux.HandleFunc("/api/assignments", rt.handleAssignments)
	mux.HandleFunc("/api/assignments/", rt.handleAssignmentScoped)
	mux.HandleFunc("/api/responses/", rt.handleResponseScoped)
	mux.HandleFunc("/api/audit", rt.handleAudit) // GET, admin only
}

// POST /api/auth/register
func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Register(req.Email, req.Password, req.Name)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// POST /api/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// POST /api/assignments — create; GET /api/assignments — list viewable
func (rt *Router) handleAssignments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		uid, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var in services.AssignmentInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a, err := rt.assignments.Create(uid, in)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, rt.assignmentView(a))
	case http.MethodGet:
		uid, _ := middleware.UserIDFromContext(r.Context())
		admin, err := rt.isAdmin(uid)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		list, err := rt.assignments.ListViewable(uid, admin)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		views := make([]map[string]any, 0, len(list))
		for _, a := range list {
			views = append(views, rt.assignmentView(a))
		}
		writeJSON(w, views)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Scoped assignment routes:
//
//	GET|PUT  /api/assignments/{id}
//	POST     /api/assignments/{id}/open
//	POST     /api/assignments/{id}/close
//	GET|PUT  /api/assignments/{id}/form
//	GET|POST /api/assignments/{id}/data
//	GET      /api/assignments/{id}/task
//	POST|GET /api/assignments/{id}/responses
//	POST     /api/assignments/{id}/skip
//	GET      /api/assignments/{id}/stats
//	GET      /api/assignments/{id}/export.csv
func (rt *Router) handleAssignmentScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/assignments/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}
	if len(parts) > 2 {
		http.NotFound(w, r)
		return
	}

	switch sub {
	case "":
		rt.handleAssignment(w, r, id)
	case "open", "close":
		rt.handleTransition(w, r, id, sub)
	case "form":
		rt.handleForm(w, r, id)
	case "data":
		rt.handleData(w, r, id)
	case "task":
		rt.handleTask(w, r, id)
	case "responses":
		rt.handleResponses(w, r, id)
	case "skip":
		rt.handleSkip(w, r, id)
	case "stats":
		rt.handleStats(w, r, id)
	case "export.csv":
		rt.handleExport(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) handleAssignment(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		a, err := rt.assignments.Get(id)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, rt.assignmentView(a))
	case http.MethodPut:
		uid, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var in services.AssignmentInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a, err := rt.assignments.Update(id, uid, in)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, rt.assignmentView(a))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleTransition(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var a *models.Assignment
	var err error
	if action == "open" {
		a, err = rt.assignments.Open(id, uid)
	} else {
		a, err = rt.assignments.Close(id, uid)
	}
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, rt.assignmentView(a))
}

// GET returns the form-builder document; PUT reconciles it.
func (rt *Router) handleForm(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		views, err := rt.forms.Fields(id)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, views)
	case http.MethodPut:
		uid, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !rt.requireManage(w, id, uid) {
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		specs, err := services.ParseFieldSpecs(body)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		if err := rt.forms.Reconcile(id, specs); err != nil {
			rt.writeError(w, err)
			return
		}
		views, err := rt.forms.Fields(id)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, views)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleData(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		uid, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req struct {
			URL      string            `json:"url"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d, err := rt.assignments.AddDatum(id, uid, req.URL, req.Metadata)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, datumView(d))
	case http.MethodGet:
		uid, _ := middleware.UserIDFromContext(r.Context())
		if !rt.requireManage(w, id, uid) {
			return
		}
		data, err := rt.store.ListData(id)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		views := make([]map[string]any, 0, len(data))
		for _, d := range data {
			views = append(views, datumView(d))
		}
		writeJSON(w, views)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/assignments/{id}/task — pick the next datum for this identity.
// Assignments without data report whether the form may still be completed.
func (rt *Router) handleTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a, err := rt.store.GetAssignment(id)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if a == nil {
		http.Error(w, "assignment not found", http.StatusNotFound)
		return
	}
	// Draft and closed assignments hand out tasks only to their managers.
	if a.Status != models.StatusOpen {
		manage := false
		if uid, ok := middleware.UserIDFromContext(r.Context()); ok {
			manage, err = rt.assignments.CanManage(id, uid)
			if err != nil {
				rt.writeError(w, err)
				return
			}
		}
		if !manage {
			writeJSON(w, map[string]any{"can_respond": false, "datum": nil})
			return
		}
	}
	identity := rt.identity(r)
	hasData, err := rt.store.HasData(id)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if !hasData {
		ok, err := rt.selector.CanRespond(id, identity)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"can_respond": ok})
		return
	}
	d, err := rt.selector.Pick(id, identity)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if d == nil {
		writeJSON(w, map[string]any{"can_respond": false, "datum": nil})
		return
	}
	writeJSON(w, map[string]any{"can_respond": true, "datum": datumView(d)})
}

// POST submits a response; GET lists responses (public gallery, or the full
// listing for managers).
func (rt *Router) handleResponses(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			DatumID string            `json:"datum_id"`
			Public  bool              `json:"public"`
			Answers []services.Answer `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := rt.submissions.Submit(services.SubmitRequest{
			AssignmentID: id,
			Identity:     rt.identity(r),
			DatumID:      req.DatumID,
			Public:       req.Public,
			Answers:      req.Answers,
		})
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"response_id": res.ResponseID, "number": res.Number})
	case http.MethodGet:
		uid, _ := middleware.UserIDFromContext(r.Context())
		admin := false
		if uid != "" {
			var err error
			admin, err = rt.assignments.CanManage(id, uid)
			if err != nil {
				rt.writeError(w, err)
				return
			}
		}
		views, err := rt.gallery.List(id, admin)
		if err != nil {
			rt.writeError(w, err)
			return
		}
		writeJSON(w, views)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/assignments/{id}/skip
func (rt *Router) handleSkip(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DatumID string `json:"datum_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := rt.submissions.Skip(services.SkipRequest{
		AssignmentID: id,
		Identity:     rt.identity(r),
		DatumID:      req.DatumID,
	}); err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// GET /api/assignments/{id}/stats
func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := rt.assignments.Stats(id)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

// GET /api/assignments/{id}/export.csv?emails=1
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !rt.requireManage(w, id, uid) {
		return
	}
	includeEmails := r.URL.Query().Get("emails") == "1"
	res, err := rt.exports.ExportCSV(id, uid, includeEmails)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	_, _ = w.Write(res.Data)
}

// Scoped response routes:
//
//	POST /api/responses/{id}/edit
//	POST /api/responses/{id}/revert
func (rt *Router) handleResponseScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/responses/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, action := parts[0], parts[1]

	uid, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	resp, err := rt.store.GetResponse(id)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if resp == nil {
		http.Error(w, "response not found", http.StatusNotFound)
		return
	}
	if !rt.requireManage(w, resp.AssignmentID, uid) {
		return
	}

	switch action {
	case "edit":
		var req struct {
			Answers []services.Answer `json:"answers"`
			Tags    []string          `json:"tags"`
			Flag    *bool             `json:"flag"`
			Gallery *bool             `json:"gallery"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = rt.submissions.Edit(services.EditRequest{
			ResponseID: id,
			EditorID:   uid,
			Answers:    req.Answers,
			Tags:       req.Tags,
			Flag:       req.Flag,
			Gallery:    req.Gallery,
		})
	case "revert":
		err = rt.submissions.Revert(id, uid)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// GET /api/audit
func (rt *Router) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, _ := middleware.UserIDFromContext(r.Context())
	admin, err := rt.isAdmin(uid)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if !admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	entries, err := rt.store.ListAudit()
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, entries)
}

// identity resolves the requester: their user account when authenticated,
// otherwise the client address.
func (rt *Router) identity(r *http.Request) models.Identity {
	if uid, ok := middleware.UserIDFromContext(r.Context()); ok {
		return models.Identity{UserID: uid}
	}
	return models.Identity{IPAddress: middleware.ClientIP(r)}
}

func (rt *Router) isAdmin(uid string) (bool, error) {
	if uid == "" {
		return false, nil
	}
	u, err := rt.store.GetUser(uid)
	if err != nil {
		return false, err
	}
	return u != nil && u.Admin, nil
}

// requireManage writes an error response and returns false unless uid may
// manage the assignment.
func (rt *Router) requireManage(w http.ResponseWriter, assignmentID, uid string) bool {
	if uid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	ok, err := rt.assignments.CanManage(assignmentID, uid)
	if err != nil {
		rt.writeError(w, err)
		return false
	}
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (rt *Router) assignmentView(a *models.Assignment) map[string]any {
	return map[string]any{
		"id":                a.ID,
		"title":             a.Title,
		"slug":              a.Slug,
		"description":       a.Description,
		"status":            a.Status,
		"registration":      a.Registration,
		"data_limit":        a.DataLimit,
		"user_limit":        a.UserLimit,
		"multiple_per_page": a.MultiplePerPage,
		"ask_public":        a.AskPublic,
		"created_at":        a.CreatedAt,
	}
}

func datumView(d *models.Datum) map[string]any {
	return map[string]any{
		"id":       d.ID,
		"url":      d.URL,
		"metadata": d.Metadata,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service error codes onto HTTP statuses.
func (rt *Router) writeError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch se.Code {
		case services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		case services.ErrorForbidden:
			status = http.StatusForbidden
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": se.Message})
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
