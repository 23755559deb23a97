package section

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/validate"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _, _ := newTestService()
	e := echo.New()
	e.Validator = validate.New()
	return NewHandler(svc), e
}

func TestHandler_CreateSection(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Reception"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.CreateSection(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Section
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.Active {
		t.Error("sections default to active")
	}
}

func TestHandler_CreateSection_Invalid(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	err := h.CreateSection(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestHandler_GetSection_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	err := h.GetSection(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_GetSectionPath(t *testing.T) {
	h, e := newTestHandler()
	g := &Group{Name: "Hematology"}
	h.svc.CreateGroup(nil, g)
	sec := &Section{Name: "CBC", GroupID: &g.ID, Active: true}
	h.svc.CreateSection(nil, sec)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(sec.ID.String())
	if err := h.GetSectionPath(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var path struct {
		Permission string `json:"permission"`
	}
	json.Unmarshal(rec.Body.Bytes(), &path)
	if path.Permission != "sections.hematology.cbc" {
		t.Errorf("unexpected permission %q", path.Permission)
	}
}

func TestHandler_ListSections(t *testing.T) {
	h, e := newTestHandler()
	h.svc.CreateSection(nil, &Section{Name: "Reception", Active: true})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/sections", nil), rec)
	if err := h.ListSections(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_CreateGroup_UnknownParent(t *testing.T) {
	h, e := newTestHandler()
	body := `{"name":"Hematology","parent_id":"` + uuid.New().String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	err := h.CreateGroup(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))
	want := map[string]bool{
		"GET /api/v1/sections":          false,
		"GET /api/v1/sections/:id":      false,
		"GET /api/v1/sections/:id/path": false,
		"POST /api/v1/sections":         false,
		"POST /api/v1/section-groups":   false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("route %s not registered", k)
		}
	}
}
