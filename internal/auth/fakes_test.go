package auth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/rentdesk/internal/audit"
	"github.com/alecgard/rentdesk/internal/mail"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/alecgard/rentdesk/internal/token"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// --- in-memory credential store ---

type resetRecord struct {
	accountID string
	expiresAt time.Time
}

type fakeAccount struct {
	Account
	storedRole string
	properties int
}

type fakeStore struct {
	mu         sync.Mutex
	accounts   map[string]*fakeAccount
	resets     map[string]resetRecord // by hash, one per account
	loginCodes map[string]resetRecord
	lookupErr  error
	byIDErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:   make(map[string]*fakeAccount),
		resets:     make(map[string]resetRecord),
		loginCodes: make(map[string]resetRecord),
	}
}

func (f *fakeStore) add(t *testing.T, id, email, password string) *fakeAccount {
	t.Helper()
	a := &fakeAccount{Account: Account{ID: id, Email: email, Active: true}}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hashing password: %v", err)
		}
		a.PasswordHash = string(hash)
	}
	f.mu.Lock()
	f.accounts[id] = a
	f.mu.Unlock()
	return a
}

func (f *fakeStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	for _, a := range f.accounts {
		if a.Email == email {
			cp := a.Account
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byIDErr != nil {
		return nil, f.byIDErr
	}
	a, ok := f.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := a.Account
	return &cp, nil
}

func (f *fakeStore) StoreResetToken(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, rec := range f.resets {
		if rec.accountID == accountID {
			delete(f.resets, h)
		}
	}
	f.resets[hash] = resetRecord{accountID: accountID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) ConsumeResetToken(ctx context.Context, hash, passwordHash string, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.resets[hash]
	if !ok || !rec.expiresAt.After(now) {
		return "", ErrInvalidOrExpiredToken
	}
	delete(f.resets, hash)
	f.accounts[rec.accountID].PasswordHash = passwordHash
	return rec.accountID, nil
}

func (f *fakeStore) StoreLoginCode(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCodes[hash] = resetRecord{accountID: accountID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) ConsumeLoginCode(ctx context.Context, hash string, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.loginCodes[hash]
	if !ok || !rec.expiresAt.After(now) {
		return "", ErrInvalidOrExpiredToken
	}
	delete(f.loginCodes, hash)
	return rec.accountID, nil
}

func (f *fakeStore) RoleSignals(ctx context.Context, accountID string) (role.Signals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return role.Signals{}, errors.New("no such account")
	}
	return role.Signals{StoredRole: a.storedRole, Metadata: a.Metadata}, nil
}

func (f *fakeStore) CountOwnedProperties(ctx context.Context, accountID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[accountID]; ok {
		return a.properties, nil
	}
	return 0, nil
}

func (f *fakeStore) setRole(id string, r role.Role) {
	f.mu.Lock()
	f.accounts[id].storedRole = r.String()
	f.mu.Unlock()
}

func (f *fakeStore) setStatus(id string, active, blocked bool) {
	f.mu.Lock()
	f.accounts[id].Active = active
	f.accounts[id].Blocked = blocked
	f.mu.Unlock()
}

func (f *fakeStore) remove(id string) {
	f.mu.Lock()
	delete(f.accounts, id)
	f.mu.Unlock()
}

func (f *fakeStore) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

// --- mailer, recorder, observer ---

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

func (m *captureMailer) last(t *testing.T) mail.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("expected a message to be sent")
	}
	return m.sent[len(m.sent)-1]
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
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

type countingObserver struct {
	mu       sync.Mutex
	attempts map[string]int
	guard    map[string]int
	mail     int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{attempts: map[string]int{}, guard: map[string]int{}}
}

func (o *countingObserver) AuthAttempt(kind string, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if success {
		o.attempts[kind+"_ok"]++
	} else {
		o.attempts[kind+"_fail"]++
	}
}

func (o *countingObserver) GuardOutcome(role, outcome string) {
	o.mu.Lock()
	o.guard[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) MailFailure(kind string) {
	o.mu.Lock()
	o.mail++
	o.mu.Unlock()
}

// --- harness ---

type harness struct {
	svc      *Service
	store    *fakeStore
	mailer   *captureMailer
	events   *captureRecorder
	observer *countingObserver
	now      time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, adminEmails ...string) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		mailer:   &captureMailer{},
		events:   &captureRecorder{},
		observer: newCountingObserver(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	issuer, err := token.NewIssuer(testSecret, "rentdesk", "rentdesk-web", 7*24*time.Hour, token.WithClock(clock))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	svc, err := NewService(Deps{
		Store:    h.store,
		Tokens:   issuer,
		Roles:    role.NewResolver(h.store, adminEmails),
		Mailer:   h.mailer,
		Audit:    h.events,
		Observer: h.observer,
	}, Options{
		BaseURL:    "https://app.rentdesk.test",
		MailFrom:   "noreply@rentdesk.test",
		ResetTTL:   15 * time.Minute,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.now = clock
	h.svc = svc
	return h
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
