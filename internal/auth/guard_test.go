package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecgard/rentdesk/internal/role"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		role role.Role
		path string
		want bool
	}{
		{role.Admin, "/admin/users", true},
		{role.Admin, "/owner/properties", true},
		{role.Admin, "/api/admin/users", true},
		{role.Owner, "/owner/dashboard", true},
		{role.Owner, "/api/owner/properties", true},
		{role.Owner, "/tenant/dashboard", false},
		{role.Owner, "/admin", false},
		{role.Owner, "/api/admin/users", false},
		{role.Tenant, "/tenant/payments", true},
		{role.Tenant, "/owner/dashboard", false},
		{role.Tenant, "/maintenance/tickets", false},
		{role.Tenant, "/administrator", true},
		{role.Tenant, "/api/auth/me", true},
		{role.MaintenanceSpecialist, "/maintenance/tickets", true},
		{role.MaintenanceSpecialist, "/legal/cases", false},
		{role.InsuranceSpecialist, "/insurance/claims", true},
		{role.InsuranceSpecialist, "/api/tenant/contracts", false},
		{role.LegalSpecialist, "/legal/cases", true},
		{role.LegalSpecialist, "/insurance", false},
	}
	for _, tt := range tests {
		t.Run(tt.role.String()+tt.path, func(t *testing.T) {
			if got := Allowed(tt.role, tt.path); got != tt.want {
				t.Errorf("Allowed(%q, %q) = %v, want %v", tt.role, tt.path, got, tt.want)
			}
		})
	}
}

func TestForbiddenPrefixes_AdminHasNone(t *testing.T) {
	if got := ForbiddenPrefixes(role.Admin); len(got) != 0 {
		t.Errorf("expected no forbidden prefixes for admin, got %v", got)
	}
	for _, r := range role.All() {
		if r == role.Admin {
			continue
		}
		for _, p := range ForbiddenPrefixes(r) {
			if p == r.Area() {
				t.Errorf("role %q must not be forbidden from its own area", r)
			}
		}
	}
}

// guardRequest runs path through the guard and returns the recorder and the
// principal the downstream handler saw.
func guardRequest(t *testing.T, h *harness, path, cookie string) (*httptest.ResponseRecorder, *Principal) {
	t.Helper()
	var seen *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	g := NewGuard(h.svc, Policy{SecureCookies: true})

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: cookie})
	}
	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)
	return rec, seen
}

func loginAs(t *testing.T, h *harness, id, email string, r role.Role) string {
	t.Helper()
	h.store.add(t, id, email, "rightpass1")
	h.store.setRole(id, r)
	sess, err := h.svc.Login(context.Background(), email, "rightpass1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return sess.Token
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	return nil
}

func TestGuard_Unauthenticated(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name         string
		path         string
		wantStatus   int
		wantLocation string
	}{
		{"public page", "/login", http.StatusOK, ""},
		{"reset page", "/reset-password", http.StatusOK, ""},
		{"public api", "/api/auth/login", http.StatusOK, ""},
		{"health", "/health", http.StatusOK, ""},
		{"private page", "/owner/dashboard?tab=1", http.StatusFound, "/login?next=%2Fowner%2Fdashboard%3Ftab%3D1"},
		{"private api", "/api/auth/me", http.StatusUnauthorized, ""},
		{"admin api", "/api/admin/users", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, seen := guardRequest(t, h, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantLocation != "" && rec.Header().Get("Location") != tt.wantLocation {
				t.Errorf("expected Location %q, got %q", tt.wantLocation, rec.Header().Get("Location"))
			}
			if seen != nil {
				t.Error("expected no principal")
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body errorResponse
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decoding body: %v", err)
				}
				if body.Error.Code != "unauthorized" {
					t.Errorf("expected code unauthorized, got %q", body.Error.Code)
				}
			}
		})
	}
}

func TestGuard_PublicPrefix(t *testing.T) {
	g := NewGuard(nil, Policy{PublicPaths: []string{"/", "/assets/"}})

	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/assets/app.css", true},
		{"/assets", false},
		{"/owner/dashboard", false},
	}
	for _, tt := range tests {
		if got := g.isPublic(tt.path); got != tt.want {
			t.Errorf("isPublic(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestGuard_InvalidCookieIsCleared(t *testing.T) {
	h := newHarness(t)

	rec, _ := guardRequest(t, h, "/login", "not-a-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	c := sessionCookie(rec)
	if c == nil || c.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be cleared, got %+v", c)
	}
}

func TestGuard_RoleChecks(t *testing.T) {
	h := newHarness(t)
	tenant := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)
	owner := loginAs(t, h, "acct-o", "owner@example.com", role.Owner)
	admin := loginAs(t, h, "acct-a", "admin@example.com", role.Admin)

	tests := []struct {
		name         string
		token        string
		path         string
		wantStatus   int
		wantLocation string
		wantRole     role.Role
	}{
		{"tenant own area", tenant, "/tenant/dashboard", http.StatusOK, "", role.Tenant},
		{"tenant on owner page", tenant, "/owner/dashboard", http.StatusFound, "/tenant/dashboard", ""},
		{"tenant on admin api", tenant, "/api/admin/users", http.StatusForbidden, "", ""},
		{"owner on admin page", owner, "/admin/users", http.StatusFound, "/owner/dashboard", ""},
		{"owner shared api", owner, "/api/auth/me", http.StatusOK, "", role.Owner},
		{"admin anywhere", admin, "/owner/dashboard", http.StatusOK, "", role.Admin},
		{"admin api", admin, "/api/admin/users", http.StatusOK, "", role.Admin},
		{"signed in on login", owner, "/login", http.StatusFound, "/owner/dashboard", ""},
		{"signed in on public api", tenant, "/api/auth/logout", http.StatusOK, "", role.Tenant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, seen := guardRequest(t, h, tt.path, tt.token)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantLocation != "" && rec.Header().Get("Location") != tt.wantLocation {
				t.Errorf("expected Location %q, got %q", tt.wantLocation, rec.Header().Get("Location"))
			}
			if tt.wantRole != "" {
				if seen == nil || seen.Role != tt.wantRole {
					t.Errorf("expected principal with role %q, got %+v", tt.wantRole, seen)
				}
			}
		})
	}
}

func TestGuard_BearerFallback(t *testing.T) {
	h := newHarness(t)
	tok := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)

	var seen *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	NewGuard(h.svc, Policy{}).Middleware(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || seen == nil || seen.ID != "acct-t" {
		t.Fatalf("expected bearer token to authenticate, got status %d principal %+v", rec.Code, seen)
	}
}

func TestGuard_Refresh(t *testing.T) {
	h := newHarness(t)
	tok := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)

	rec, _ := guardRequest(t, h, "/tenant/dashboard", tok)
	if c := sessionCookie(rec); c != nil {
		t.Fatalf("fresh session should not be refreshed, got %+v", c)
	}

	h.advance(25 * time.Hour)
	rec, _ = guardRequest(t, h, "/tenant/dashboard", tok)
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("expected refreshed session cookie")
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Errorf("unexpected cookie attributes: %+v", c)
	}
	if c.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Errorf("expected Max-Age of 7 days, got %d", c.MaxAge)
	}

	p, err := h.svc.Authenticate(context.Background(), c.Value)
	if err != nil {
		t.Fatalf("refreshed token invalid: %v", err)
	}
	if !p.IssuedAt.Equal(h.now) {
		t.Errorf("expected refreshed token issued at %v, got %v", h.now, p.IssuedAt)
	}
}

func TestGuard_RoleChangeReissues(t *testing.T) {
	h := newHarness(t)
	tok := loginAs(t, h, "acct-1", "user@example.com", role.Tenant)

	h.store.setRole("acct-1", role.Owner)

	rec, seen := guardRequest(t, h, "/tenant/dashboard", tok)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/owner/dashboard" {
		t.Fatalf("expected redirect to owner landing, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if seen != nil {
		t.Error("handler must not run on redirect")
	}

	rec, seen = guardRequest(t, h, "/owner/dashboard", tok)
	if rec.Code != http.StatusOK || seen == nil || seen.Role != role.Owner {
		t.Fatalf("expected owner access, got %d %+v", rec.Code, seen)
	}
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("expected cookie carrying the new role")
	}
	p, err := h.svc.Authenticate(context.Background(), c.Value)
	if err != nil || p.Role != role.Owner {
		t.Fatalf("expected reissued owner token, got %+v %v", p, err)
	}
}

func TestGuard_ExpiredSession(t *testing.T) {
	h := newHarness(t)
	tok := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)

	h.advance(6 * 24 * time.Hour)
	if rec, _ := guardRequest(t, h, "/api/auth/me", tok); rec.Code != http.StatusOK {
		t.Fatalf("expected session valid at six days, got %d", rec.Code)
	}

	h.advance(2 * 24 * time.Hour)
	rec, _ := guardRequest(t, h, "/api/auth/me", tok)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 at eight days, got %d", rec.Code)
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Error("expected expired cookie to be cleared")
	}
}

func TestGuard_DisabledAccountLosesSession(t *testing.T) {
	tests := []struct {
		name    string
		disable func(h *harness)
	}{
		{"blocked", func(h *harness) { h.store.setStatus("acct-t", true, true) }},
		{"inactive", func(h *harness) { h.store.setStatus("acct-t", false, false) }},
		{"deleted", func(h *harness) { h.store.remove("acct-t") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tok := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)
			tt.disable(h)

			rec, seen := guardRequest(t, h, "/api/auth/me", tok)
			if rec.Code != http.StatusUnauthorized || seen != nil {
				t.Fatalf("api: expected 401 without principal, got %d %+v", rec.Code, seen)
			}
			if c := sessionCookie(rec); c == nil || c.MaxAge >= 0 {
				t.Errorf("api: expected session cookie to be cleared, got %+v", c)
			}

			rec, _ = guardRequest(t, h, "/tenant/dashboard", tok)
			if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login?next=%2Ftenant%2Fdashboard" {
				t.Errorf("page: expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
			}

			rec, seen = guardRequest(t, h, "/login", tok)
			if rec.Code != http.StatusOK || seen != nil {
				t.Errorf("login page: expected anonymous 200, got %d %+v", rec.Code, seen)
			}
		})
	}
}

func TestGuard_BlockedAccountNotRefreshed(t *testing.T) {
	h := newHarness(t)
	tok := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)

	// Follow every refresh for longer than one session lifetime.
	for day := 1; day <= 3; day++ {
		h.advance(25 * time.Hour)
		rec, _ := guardRequest(t, h, "/tenant/dashboard", tok)
		if rec.Code != http.StatusOK {
			t.Fatalf("day %d: expected 200, got %d", day, rec.Code)
		}
		if c := sessionCookie(rec); c != nil {
			tok = c.Value
		}
	}

	h.store.setStatus("acct-t", true, true)
	for day := 4; day <= 30; day++ {
		h.advance(24 * time.Hour)
		rec, seen := guardRequest(t, h, "/tenant/dashboard", tok)
		if seen != nil || rec.Code != http.StatusFound {
			t.Fatalf("day %d: blocked account still authorized: %d %+v", day, rec.Code, seen)
		}
		if c := sessionCookie(rec); c != nil && c.MaxAge > 0 {
			t.Fatalf("day %d: blocked account received a fresh session", day)
		}
	}
}

func TestGuard_StoreFailureKeepsSessionWithoutRefresh(t *testing.T) {
	h := newHarness(t)
	tok := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)
	h.advance(25 * time.Hour)
	h.store.byIDErr = errors.New("connection refused")

	rec, seen := guardRequest(t, h, "/tenant/dashboard", tok)
	if rec.Code != http.StatusOK || seen == nil {
		t.Fatalf("expected session kept during store outage, got %d %+v", rec.Code, seen)
	}
	if c := sessionCookie(rec); c != nil {
		t.Errorf("expected no refresh during store outage, got %+v", c)
	}
}

func TestGuard_ObserverOutcomes(t *testing.T) {
	h := newHarness(t)
	tok := loginAs(t, h, "acct-t", "tenant@example.com", role.Tenant)

	guardRequest(t, h, "/login", "")
	guardRequest(t, h, "/api/auth/me", "")
	guardRequest(t, h, "/api/auth/me", tok)
	guardRequest(t, h, "/api/admin/users", tok)

	want := map[string]int{
		OutcomePublic:       1,
		OutcomeUnauthorized: 1,
		OutcomeAuthorized:   1,
		OutcomeForbidden:    1,
	}
	for k, v := range want {
		if h.observer.guard[k] != v {
			t.Errorf("outcome %q: expected %d, got %d", k, v, h.observer.guard[k])
		}
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{"no principal", nil, http.StatusUnauthorized},
		{"tenant", &Principal{ID: "1", Role: role.Tenant}, http.StatusForbidden},
		{"admin", &Principal{ID: "2", Role: role.Admin}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
			if tt.principal != nil {
				req = req.WithContext(ContextWithPrincipal(req.Context(), tt.principal))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[state]string{
		stateUnauthenticated:  "unauthenticated",
		statePendingRoleCheck: "pending_role_check",
		stateAuthorized:       "authorized",
		stateRedirected:       "redirected",
	} {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}
