package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crowdtask-io/crowdtask/internal/middleware"
)

func testServer(t *testing.T) (*httptest.Server, Store) {
	t.Helper()
	store := NewMemoryStore()
	mux := http.NewServeMux()
	NewRouter(store).Register(mux)
	srv := httptest.NewServer(middleware.WithAuth(mux))
	t.Cleanup(srv.Close)
	return srv, store
}

func request(t *testing.T, method, url, token string, body any, wantStatus int, out any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d", method, url, wantStatus, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
}

func registerUser(t *testing.T, base, email string) string {
	t.Helper()
	var res struct {
		Token string `json:"token"`
	}
	request(t, http.MethodPost, base+"/api/auth/register", "", map[string]string{
		"email": email, "password": "longenough", "name": "Test",
	}, http.StatusOK, &res)
	if res.Token == "" {
		t.Fatalf("no token for %s", email)
	}
	return res.Token
}

func TestRouterAssignmentFlow(t *testing.T) {
	srv, _ := testServer(t)
	token := registerUser(t, srv.URL, "owner@example.com")

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments", token, map[string]any{
		"title": "City budget review", "registration": "optional", "data_limit": 1, "start": true,
	}, http.StatusOK, &created)
	if created.ID == "" || created.Status != "open" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	var form []struct {
		Name  string `json:"name"`
		Label string `json:"label"`
	}
	request(t, http.MethodPut, srv.URL+"/api/assignments/"+created.ID+"/form", token, []map[string]any{
		{"label": "Summary", "type": "text"},
	}, http.StatusOK, &form)
	if len(form) != 1 || form[0].Label != "Summary" {
		t.Fatalf("unexpected form: %+v", form)
	}

	var datum struct {
		ID string `json:"id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/data", token, map[string]any{
		"url": "https://example.com/1.pdf",
	}, http.StatusOK, &datum)

	var task struct {
		CanRespond bool `json:"can_respond"`
		Datum      *struct {
			ID string `json:"id"`
		} `json:"datum"`
	}
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/task", token, nil, http.StatusOK, &task)
	if !task.CanRespond || task.Datum == nil || task.Datum.ID != datum.ID {
		t.Fatalf("unexpected task: %+v", task)
	}

	var submitted struct {
		ResponseID string `json:"response_id"`
		Number     int    `json:"number"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/responses", token, map[string]any{
		"datum_id": datum.ID,
		"public":   true,
		"answers":  []map[string]any{{"field_id": form[0].Name, "values": []string{"fine"}}},
	}, http.StatusOK, &submitted)
	if submitted.ResponseID == "" || submitted.Number != 1 {
		t.Fatalf("unexpected submit: %+v", submitted)
	}

	// datum exhausted for this user
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/task", token, nil, http.StatusOK, &task)
	if task.Datum != nil {
		t.Fatalf("expected no datum left, got %+v", task.Datum)
	}

	var stats struct {
		PercentComplete int    `json:"percent_complete"`
		Contributors    string `json:"contributors"`
	}
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/stats", token, nil, http.StatusOK, &stats)
	if stats.PercentComplete != 100 {
		t.Fatalf("expected 100%%, got %d", stats.PercentComplete)
	}
	if !strings.Contains(stats.Contributors, "helped") {
		t.Fatalf("unexpected contributors line %q", stats.Contributors)
	}
}

func TestRouterExportCSV(t *testing.T) {
	srv, _ := testServer(t)
	token := registerUser(t, srv.URL, "owner@example.com")

	var created struct {
		ID string `json:"id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments", token, map[string]any{
		"title": "Export me", "registration": "optional", "start": true,
	}, http.StatusOK, &created)

	var form []struct {
		Name string `json:"name"`
	}
	request(t, http.MethodPut, srv.URL+"/api/assignments/"+created.ID+"/form", token, []map[string]any{
		{"label": "Notes", "type": "textarea"},
	}, http.StatusOK, &form)

	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/responses", token, map[string]any{
		"answers": []map[string]any{{"field_id": form[0].Name, "values": []string{"a note"}}},
	}, http.StatusOK, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/export.csv", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "a note") || !strings.Contains(buf.String(), "Notes") {
		t.Fatalf("csv missing content: %s", buf.String())
	}
}

func TestRouterAuthRequired(t *testing.T) {
	srv, _ := testServer(t)

	request(t, http.MethodPost, srv.URL+"/api/assignments", "", map[string]any{
		"title": "nope",
	}, http.StatusUnauthorized, nil)
}

func TestRouterForbiddenForStrangers(t *testing.T) {
	srv, _ := testServer(t)
	owner := registerUser(t, srv.URL, "owner@example.com")
	stranger := registerUser(t, srv.URL, "stranger@example.com")

	var created struct {
		ID string `json:"id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments", owner, map[string]any{
		"title": "Mine",
	}, http.StatusOK, &created)

	request(t, http.MethodPut, srv.URL+"/api/assignments/"+created.ID+"/form", stranger, []map[string]any{
		{"label": "X", "type": "text"},
	}, http.StatusForbidden, nil)

	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/open", stranger, nil, http.StatusForbidden, nil)
}

func TestRouterInvalidFormRejected(t *testing.T) {
	srv, _ := testServer(t)
	token := registerUser(t, srv.URL, "owner@example.com")

	var created struct {
		ID string `json:"id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments", token, map[string]any{
		"title": "T",
	}, http.StatusOK, &created)

	var errResp struct {
		Error string `json:"error"`
	}
	request(t, http.MethodPut, srv.URL+"/api/assignments/"+created.ID+"/form", token,
		[]map[string]any{}, http.StatusBadRequest, &errResp)
	if errResp.Error != "having at least one field on the form is required" {
		t.Fatalf("unexpected error %q", errResp.Error)
	}
}

func TestRouterReopenConflict(t *testing.T) {
	srv, _ := testServer(t)
	token := registerUser(t, srv.URL, "owner@example.com")

	var created struct {
		ID string `json:"id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments", token, map[string]any{
		"title": "T", "start": true,
	}, http.StatusOK, &created)

	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/close", token, nil, http.StatusOK, nil)
	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/open", token, nil, http.StatusConflict, nil)
}

func TestRouterGalleryModeration(t *testing.T) {
	srv, _ := testServer(t)
	token := registerUser(t, srv.URL, "owner@example.com")

	var created struct {
		ID string `json:"id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments", token, map[string]any{
		"title": "Gallery walk", "registration": "optional", "start": true,
	}, http.StatusOK, &created)

	var form []struct {
		Name string `json:"name"`
	}
	request(t, http.MethodPut, srv.URL+"/api/assignments/"+created.ID+"/form", token, []map[string]any{
		{"label": "Summary", "type": "text", "gallery": true},
	}, http.StatusOK, &form)

	var submitted struct {
		ResponseID string `json:"response_id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/responses", token, map[string]any{
		"public":  true,
		"answers": []map[string]any{{"field_id": form[0].Name, "values": []string{"Well documented"}}},
	}, http.StatusOK, &submitted)

	// Not yet picked for the gallery, so the anonymous listing is empty.
	var views []struct {
		User   string `json:"user"`
		Values []struct {
			Value string `json:"value"`
		} `json:"values"`
	}
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/responses", "", nil, http.StatusOK, &views)
	if len(views) != 0 {
		t.Fatalf("expected empty gallery before moderation, got %+v", views)
	}

	request(t, http.MethodPost, srv.URL+"/api/responses/"+submitted.ResponseID+"/edit", token, map[string]any{
		"gallery": true,
	}, http.StatusOK, nil)

	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/responses", "", nil, http.StatusOK, &views)
	if len(views) != 1 {
		t.Fatalf("expected one gallery entry, got %d", len(views))
	}
	if len(views[0].Values) != 1 || views[0].Values[0].Value != "Well documented" {
		t.Fatalf("unexpected gallery values: %+v", views[0].Values)
	}

	// Pulling it back out of the gallery hides it again.
	request(t, http.MethodPost, srv.URL+"/api/responses/"+submitted.ResponseID+"/edit", token, map[string]any{
		"gallery": false,
	}, http.StatusOK, nil)
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/responses", "", nil, http.StatusOK, &views)
	if len(views) != 0 {
		t.Fatalf("expected gallery hidden again, got %+v", views)
	}
}

func TestRouterTaskRequiresOpenAssignment(t *testing.T) {
	srv, _ := testServer(t)
	owner := registerUser(t, srv.URL, "owner@example.com")
	stranger := registerUser(t, srv.URL, "stranger@example.com")

	var created struct {
		ID string `json:"id"`
	}
	request(t, http.MethodPost, srv.URL+"/api/assignments", owner, map[string]any{
		"title": "Draft work", "registration": "optional",
	}, http.StatusOK, &created)
	request(t, http.MethodPost, srv.URL+"/api/assignments/"+created.ID+"/data", owner, map[string]any{
		"url": "https://example.com/1.pdf",
	}, http.StatusOK, nil)

	var task struct {
		CanRespond bool `json:"can_respond"`
		Datum      *struct {
			ID string `json:"id"`
		} `json:"datum"`
	}
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/task", stranger, nil, http.StatusOK, &task)
	if task.CanRespond || task.Datum != nil {
		t.Fatalf("expected no task on a draft assignment, got %+v", task)
	}
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/task", "", nil, http.StatusOK, &task)
	if task.CanRespond || task.Datum != nil {
		t.Fatalf("expected no task for anonymous visitors, got %+v", task)
	}

	// The owner can still preview the work while drafting.
	request(t, http.MethodGet, srv.URL+"/api/assignments/"+created.ID+"/task", owner, nil, http.StatusOK, &task)
	if !task.CanRespond || task.Datum == nil {
		t.Fatalf("expected owner preview to yield a datum, got %+v", task)
	}
}
