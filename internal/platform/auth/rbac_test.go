package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMatchScope(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"sections.hematology", "sections.hematology", true},
		{"sections.hematology", "sections.hematology.cbc", true},
		{"sections", "sections.hematology.cbc", true},
		{"sections.hematology", "sections.hematology2", false},
		{"sections.hematology.cbc", "sections.hematology", false},
		{"sections.microbiology", "sections.hematology", false},
		{"*", "sections.anything", true},
		{"", "sections.hematology", false},
	}

	for _, tt := range tests {
		got := matchScope(tt.granted, tt.required)
		if got != tt.want {
			t.Errorf("matchScope(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestHasScope_AdminPasses(t *testing.T) {
	ctx := WithIdentity(context.Background(), "boss", []string{RoleAdmin}, nil)
	if !HasScope(ctx, "sections.anything") {
		t.Error("admin should hold every scope")
	}
	ctx = WithIdentity(context.Background(), "tech", []string{"technician"}, nil)
	if HasScope(ctx, "sections.anything") {
		t.Error("no scopes should grant nothing")
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, []string{"technician"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequireRole("technician", "supervisor")(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, []string{RoleAdmin}))
	c := e.NewContext(req, httptest.NewRecorder())

	if err := RequireRole("supervisor")(okHandler)(c); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, []string{"technician"}))
	c := e.NewContext(req, httptest.NewRecorder())

	assertStatus(t, RequireRole("supervisor")(okHandler)(c), http.StatusForbidden)
}

func TestRequireScope(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(req.Context(), "tech", nil, []string{"sections.hematology"}))
	c := e.NewContext(req, httptest.NewRecorder())

	if err := RequireScope("sections.hematology.cbc")(okHandler)(c); err != nil {
		t.Errorf("expected scope to cover child, got %v", err)
	}

	c = e.NewContext(req, httptest.NewRecorder())
	assertStatus(t, RequireScope("sections.microbiology")(okHandler)(c), http.StatusForbidden)
}
