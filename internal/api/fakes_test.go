package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/rentdesk/internal/account"
	"github.com/alecgard/rentdesk/internal/audit"
	"github.com/alecgard/rentdesk/internal/auth"
	"github.com/alecgard/rentdesk/internal/mail"
	"github.com/alecgard/rentdesk/internal/metrics"
	"github.com/alecgard/rentdesk/internal/ratelimit"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/alecgard/rentdesk/internal/token"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	adminEmail = "admin@rentdesk.test"
	testPass   = "hunter2hunter2"
)

// --- in-memory account store ---

type tokenRecord struct {
	accountID string
	expiresAt time.Time
}

type memAccount struct {
	acct       account.Account
	properties int
}

// memStore backs the auth service, the role resolver and the admin handler.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
	resets   map[string]tokenRecord
	codes    map[string]tokenRecord
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*memAccount),
		resets:   make(map[string]tokenRecord),
		codes:    make(map[string]tokenRecord),
	}
}

func (s *memStore) add(t *testing.T, email, password string, r role.Role) string {
	t.Helper()
	acct, err := s.Create(context.Background(), account.CreateAccountInput{Email: email, Password: password, Role: r.String()})
	if err != nil {
		t.Fatalf("creating %s: %v", email, err)
	}
	return acct.ID
}

func (s *memStore) get(id string) account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id].acct
}

func (s *memStore) Create(ctx context.Context, in account.CreateAccountInput) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := account.NormalizeEmail(in.Email)
	for _, a := range s.accounts {
		if a.acct.Email == email {
			return nil, account.ErrEmailTaken
		}
	}
	a := account.Account{
		ID:        uuid.NewString(),
		Email:     email,
		Metadata:  in.Metadata,
		Profile:   account.Profile{Role: in.Role, Active: true, DisplayName: in.DisplayName},
		CreatedAt: time.Now(),
	}
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.MinCost)
		if err != nil {
			return nil, err
		}
		a.PasswordHash = string(hash)
	}
	s.accounts[a.ID] = &memAccount{acct: a}
	cp := a
	return &cp, nil
}

func (s *memStore) List(ctx context.Context) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*account.Account
	for _, a := range s.accounts {
		cp := a.acct
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) SetRole(ctx context.Context, id string, r role.Role) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	a.acct.Profile.Role = r.String()
	cp := a.acct
	return &cp, nil
}

func (s *memStore) SetStatus(ctx context.Context, id string, in account.StatusInput) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	if in.Active != nil {
		a.acct.Profile.Active = *in.Active
	}
	if in.Blocked != nil {
		a.acct.Profile.Blocked = *in.Blocked
	}
	cp := a.acct
	return &cp, nil
}

func (s *memStore) credentials(a account.Account) *auth.Account {
	return &auth.Account{
		ID:           a.ID,
		Email:        a.Email,
		PasswordHash: a.PasswordHash,
		Metadata:     a.Metadata,
		Active:       a.Profile.Active,
		Blocked:      a.Profile.Blocked,
	}
}

func (s *memStore) GetAccountByEmail(ctx context.Context, email string) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.acct.Email == email {
			return s.credentials(a.acct), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *memStore) GetAccountByID(ctx context.Context, id string) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.credentials(a.acct), nil
}

func (s *memStore) StoreResetToken(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, rec := range s.resets {
		if rec.accountID == accountID {
			delete(s.resets, h)
		}
	}
	s.resets[hash] = tokenRecord{accountID: accountID, expiresAt: expiresAt}
	return nil
}

func (s *memStore) ConsumeResetToken(ctx context.Context, hash, passwordHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.resets[hash]
	if !ok || !rec.expiresAt.After(now) {
		return "", auth.ErrInvalidOrExpiredToken
	}
	delete(s.resets, hash)
	s.accounts[rec.accountID].acct.PasswordHash = passwordHash
	return rec.accountID, nil
}

func (s *memStore) StoreLoginCode(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[hash] = tokenRecord{accountID: accountID, expiresAt: expiresAt}
	return nil
}

func (s *memStore) ConsumeLoginCode(ctx context.Context, hash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.codes[hash]
	if !ok || !rec.expiresAt.After(now) {
		return "", auth.ErrInvalidOrExpiredToken
	}
	delete(s.codes, hash)
	return rec.accountID, nil
}

func (s *memStore) RoleSignals(ctx context.Context, accountID string) (role.Signals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return role.Signals{}, errors.New("no such account")
	}
	return role.Signals{StoredRole: a.acct.Profile.Role, Metadata: a.acct.Metadata}, nil
}

func (s *memStore) CountOwnedProperties(ctx context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[accountID]; ok {
		return a.properties, nil
	}
	return 0, nil
}

// --- mailer, recorder, event lister, pinger ---

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *captureMailer) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *captureMailer) last(t *testing.T) mail.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("expected a message to be sent")
	}
	return m.sent[len(m.sent)-1]
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *captureRecorder) Record(ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *captureRecorder) ofType(typ string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeEventLister struct {
	gotAccount string
	gotLimit   int
	events     []audit.Event
	err        error
}

func (f *fakeEventLister) ListRecent(ctx context.Context, accountID string, limit int) ([]audit.Event, error) {
	f.gotAccount, f.gotLimit = accountID, limit
	return f.events, f.err
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

// --- test environment ---

type testEnv struct {
	handler http.Handler
	svc     *auth.Service
	store   *memStore
	mailer  *captureMailer
	events  *captureRecorder
	lister  *fakeEventLister
	metrics *metrics.Metrics
}

type envOption func(*RouterDeps)

func withLimiter(b ratelimit.Backend) envOption {
	return func(d *RouterDeps) { d.Limiter = b }
}

func withPinger(p Pinger) envOption {
	return func(d *RouterDeps) { d.DB = p }
}

func withTrustedProxies(nets ...*net.IPNet) envOption {
	return func(d *RouterDeps) { d.TrustedProxies = nets }
}

func withOrigins(origins ...string) envOption {
	return func(d *RouterDeps) { d.AllowedOrigins = origins }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   newMemStore(),
		mailer:  &captureMailer{},
		events:  &captureRecorder{},
		lister:  &fakeEventLister{},
		metrics: metrics.New(),
	}

	issuer, err := token.NewIssuer(testSecret, "rentdesk", "rentdesk-web", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc, err := auth.NewService(auth.Deps{
		Store:    env.store,
		Tokens:   issuer,
		Roles:    role.NewResolver(env.store, []string{adminEmail}),
		Mailer:   env.mailer,
		Audit:    env.events,
		Observer: env.metrics,
	}, auth.Options{
		BaseURL:    "https://app.rentdesk.test",
		MailFrom:   "noreply@rentdesk.test",
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	deps := RouterDeps{
		Auth:     svc,
		Guard:    auth.NewGuard(svc, auth.Policy{}),
		Accounts: env.store,
		Events:   env.lister,
		Audit:    env.events,
		Limiter:  ratelimit.New(1000, time.Minute),
		Metrics:  env.metrics,
		UI: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("page"))
		}),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.svc = svc
	env.handler = NewRouter(deps)
	return env
}

// do sends a request through the router and waits for any background mail it
// queued. A non-nil session cookie is attached.
func (e *testEnv) do(t *testing.T, method, target, body string, session *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if session != nil {
		req.AddCookie(session)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	e.svc.Wait()
	return rec
}

// login signs in through the API and returns the session cookie.
func (e *testEnv) login(t *testing.T, email, password string) *http.Cookie {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", `{"email":"`+email+`","password":"`+password+`"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d: %s", email, rec.Code, rec.Body.String())
	}
	c := sessionCookie(rec)
	if c == nil || c.Value == "" {
		t.Fatalf("login %s: no session cookie set", email)
	}
	return c
}

func (e *testEnv) loginAdmin(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	id := e.store.add(t, adminEmail, testPass, "")
	return id, e.login(t, adminEmail, testPass)
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			return c
		}
	}
	return nil
}

// linkParam extracts a query parameter from a mailed link.
func linkParam(t *testing.T, link, name string) string {
	t.Helper()
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parsing link %q: %v", link, err)
	}
	v := u.Query().Get(name)
	if v == "" {
		t.Fatalf("link %q has no %s parameter", link, name)
	}
	return v
}
