package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alecgard/rentdesk/internal/role"
)

// Guard outcomes reported to the Observer.
const (
	OutcomePublic       = "public"
	OutcomeAuthorized   = "authorized"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeRedirected   = "redirected"
)

// state is the position of a request in the guard's state machine.
type state int

const (
	stateUnauthenticated state = iota
	statePendingRoleCheck
	stateAuthorized
	stateRedirected
)

func (s state) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case statePendingRoleCheck:
		return "pending_role_check"
	case stateAuthorized:
		return "authorized"
	case stateRedirected:
		return "redirected"
	}
	return "unknown"
}

// DefaultPublicPaths lists the paths reachable without a session. Entries
// ending in "/" match as prefixes.
func DefaultPublicPaths() []string {
	return []string{
		"/",
		"/login",
		"/forgot-password",
		"/reset-password",
		"/auth/callback",
		"/health",
		"/metrics",
		"/api/auth/login",
		"/api/auth/logout",
		"/api/auth/request-password-reset",
		"/api/auth/reset-password",
		"/api/auth/magic-link",
	}
}

// Policy configures the Guard.
type Policy struct {
	PublicPaths   []string
	LoginPath     string
	RefreshAfter  time.Duration
	SecureCookies bool
}

// ForbiddenPrefixes returns the path prefixes r may not access: the admin
// areas and every other role's area. Admin is forbidden nothing.
func ForbiddenPrefixes(r role.Role) []string {
	if r == role.Admin {
		return nil
	}
	prefixes := []string{"/admin", "/api/admin"}
	for _, other := range role.All() {
		if other == r || other == role.Admin {
			continue
		}
		prefixes = append(prefixes, other.Area(), "/api"+other.Area())
	}
	return prefixes
}

// Allowed reports whether r may access path.
func Allowed(r role.Role, path string) bool {
	for _, prefix := range ForbiddenPrefixes(r) {
		if hasPathPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// hasPathPrefix matches prefix on segment boundaries, so "/admin" matches
// "/admin/users" but not "/administrator".
func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isAPIPath(path string) bool {
	return hasPathPrefix(path, "/api")
}

// decision is the result of evaluating one request.
type decision struct {
	state       state
	outcome     string
	principal   *Principal
	status      int    // API rejection status, 0 otherwise
	location    string // redirect target
	clearCookie bool
	refresh     bool
}

// Guard validates the session on every request, drops sessions of blocked,
// inactive or deleted accounts, resolves the caller's role and applies the
// per-role forbidden-path table.
type Guard struct {
	svc    *Service
	policy Policy
}

// NewGuard creates a Guard. Zero fields of policy take defaults.
func NewGuard(svc *Service, policy Policy) *Guard {
	if policy.PublicPaths == nil {
		policy.PublicPaths = DefaultPublicPaths()
	}
	if policy.LoginPath == "" {
		policy.LoginPath = "/login"
	}
	if policy.RefreshAfter <= 0 {
		policy.RefreshAfter = 24 * time.Hour
	}
	return &Guard{svc: svc, policy: policy}
}

func (g *Guard) isPublic(path string) bool {
	for _, p := range g.policy.PublicPaths {
		if strings.HasSuffix(p, "/") && p != "/" {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// Middleware enforces the guard on every request.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.evaluate(r)
		roleLabel := "anonymous"
		if d.principal != nil {
			roleLabel = d.principal.Role.String()
		}
		g.svc.observer.GuardOutcome(roleLabel, d.outcome)

		if d.clearCookie {
			ClearSessionCookie(w, g.policy.SecureCookies)
		}

		switch {
		case d.state == stateRedirected:
			http.Redirect(w, r, d.location, http.StatusFound)
			return
		case d.status == http.StatusUnauthorized:
			writeUnauthorized(w, "authentication required")
			return
		case d.status == http.StatusForbidden:
			writeForbidden(w, "your role may not access this resource")
			return
		}

		if d.principal == nil {
			next.ServeHTTP(w, r)
			return
		}
		if d.refresh {
			g.refresh(w, r, d.principal)
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), d.principal)))
	})
}

func (g *Guard) refresh(w http.ResponseWriter, r *http.Request, p *Principal) {
	sess, err := g.svc.Reissue(*p)
	if err != nil {
		slog.WarnContext(r.Context(), "refreshing session", "account_id", p.ID, "error", err)
		return
	}
	SetSessionCookie(w, sess, g.policy.SecureCookies)
}

// evaluate walks the state machine for r. API rejections stop in the state
// that failed with a status set; page rejections end in stateRedirected.
func (g *Guard) evaluate(r *http.Request) decision {
	path := r.URL.Path
	p, err := g.svc.Authenticate(r.Context(), SessionToken(r))
	if err != nil {
		return g.unauthenticated(r, hasSessionCookie(r))
	}

	refreshable := true
	if err := g.svc.CheckAccount(r.Context(), p); err != nil {
		if !errors.Is(err, ErrUpstream) {
			return g.unauthenticated(r, true)
		}
		// Keep the session but do not extend it while the store is down.
		slog.WarnContext(r.Context(), "checking account status", "account_id", p.ID, "error", err)
		refreshable = false
	}

	// statePendingRoleCheck
	resolved := g.svc.ResolveRole(r.Context(), p)
	refresh := refreshable && (resolved != p.Role || g.svc.now().Sub(p.IssuedAt) >= g.policy.RefreshAfter)
	p.Role = resolved

	if path == g.policy.LoginPath {
		return decision{state: stateRedirected, outcome: OutcomeRedirected, principal: p, location: resolved.LandingPath()}
	}
	if !Allowed(resolved, path) {
		if isAPIPath(path) {
			return decision{state: statePendingRoleCheck, outcome: OutcomeForbidden, principal: p, status: http.StatusForbidden}
		}
		return decision{state: stateRedirected, outcome: OutcomeForbidden, principal: p, location: resolved.LandingPath()}
	}
	return decision{state: stateAuthorized, outcome: OutcomeAuthorized, principal: p, refresh: refresh}
}

// unauthenticated decides a request that carries no usable session.
func (g *Guard) unauthenticated(r *http.Request, clearCookie bool) decision {
	path := r.URL.Path
	d := decision{state: stateUnauthenticated, outcome: OutcomeUnauthorized, clearCookie: clearCookie}
	switch {
	case g.isPublic(path):
		d.state, d.outcome = stateAuthorized, OutcomePublic
	case isAPIPath(path):
		d.status = http.StatusUnauthorized
	default:
		d.state, d.outcome = stateRedirected, OutcomeRedirected
		d.location = g.policy.LoginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
	}
	return d
}
