package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/rentdesk/internal/audit"
	"github.com/alecgard/rentdesk/internal/mail"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/alecgard/rentdesk/internal/token"
	"golang.org/x/crypto/bcrypt"
)

// Attempt kinds reported to the Observer.
const (
	KindLogin     = "login"
	KindCallback  = "callback"
	KindReset     = "reset"
	KindMagicLink = "magic_link"
)

// mailTimeout bounds a background reset or sign-in link delivery.
const mailTimeout = 30 * time.Second

// Deps are the collaborators of a Service. Store, Tokens, Roles and Mailer
// are required.
type Deps struct {
	Store     CredentialStore
	Tokens    *token.Issuer
	Roles     RoleResolver
	Mailer    mail.Mailer
	Audit     Recorder
	Observer  Observer
	Exchanger CodeExchanger
}

// Options tune a Service.
type Options struct {
	BaseURL          string
	MailFrom         string
	ResetTTL         time.Duration
	MagicLinkTTL     time.Duration
	MinPasswordChars int
	BcryptCost       int
}

// Service orchestrates credential checks, token issuance and reset flows.
type Service struct {
	store     CredentialStore
	tokens    *token.Issuer
	roles     RoleResolver
	mailer    mail.Mailer
	audit     Recorder
	observer  Observer
	exchanger CodeExchanger
	opts      Options
	dummyHash []byte
	now       func() time.Time // injectable clock for testing
	pending   sync.WaitGroup
}

// NewService creates a Service. Missing optional deps get no-op defaults and
// the built-in login code exchanger.
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Store == nil || deps.Tokens == nil || deps.Roles == nil || deps.Mailer == nil {
		return nil, errors.New("auth: store, tokens, roles and mailer are required")
	}
	if opts.ResetTTL <= 0 {
		opts.ResetTTL = 15 * time.Minute
	}
	if opts.MagicLinkTTL <= 0 {
		opts.MagicLinkTTL = time.Hour
	}
	if opts.MinPasswordChars <= 0 {
		opts.MinPasswordChars = 8
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	// Compared against on unknown emails so both paths cost one bcrypt run.
	dummy, err := bcrypt.GenerateFromPassword([]byte("rentdesk-no-such-account"), opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}

	s := &Service{
		store:     deps.Store,
		tokens:    deps.Tokens,
		roles:     deps.Roles,
		mailer:    deps.Mailer,
		audit:     deps.Audit,
		observer:  deps.Observer,
		exchanger: deps.Exchanger,
		opts:      opts,
		dummyHash: dummy,
		now:       time.Now,
	}
	if s.audit == nil {
		s.audit = nopRecorder{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.exchanger == nil {
		s.exchanger = &loginCodeExchanger{store: deps.Store, now: func() time.Time { return s.now() }}
	}
	return s, nil
}

// SessionTTL returns the lifetime of issued sessions.
func (s *Service) SessionTTL() time.Duration { return s.tokens.TTL() }

// Login verifies email and password and issues a session.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.observer.AuthAttempt(KindLogin, false)
		return nil, fmt.Errorf("%w: looking up account: %v", ErrUpstream, err)
	}

	if acct == nil || acct.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.loginFailed(ctx, "", email, "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		s.loginFailed(ctx, acct.ID, email, "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if !acct.Enabled() {
		s.loginFailed(ctx, acct.ID, email, "account_disabled")
		return nil, ErrAccountDisabled
	}

	sess, err := s.issueFor(ctx, acct)
	if err != nil {
		s.observer.AuthAttempt(KindLogin, false)
		return nil, err
	}
	s.observer.AuthAttempt(KindLogin, true)
	s.record(ctx, audit.Event{Type: audit.EventLogin, AccountID: acct.ID, Email: acct.Email, Success: true})
	return sess, nil
}

func (s *Service) loginFailed(ctx context.Context, accountID, email, detail string) {
	s.observer.AuthAttempt(KindLogin, false)
	s.record(ctx, audit.Event{Type: audit.EventLogin, AccountID: accountID, Email: email, Detail: detail})
}

// ExchangeCode trades a callback code for a session.
func (s *Service) ExchangeCode(ctx context.Context, code string) (*Session, error) {
	sess, err := s.exchangeCode(ctx, code)
	s.observer.AuthAttempt(KindCallback, err == nil)
	ev := audit.Event{Type: audit.EventCallback, Success: err == nil}
	if err != nil {
		ev.Detail = err.Error()
	} else {
		ev.AccountID, ev.Email = sess.Principal.ID, sess.Principal.Email
	}
	s.record(ctx, ev)
	return sess, err
}

func (s *Service) exchangeCode(ctx context.Context, code string) (*Session, error) {
	if code == "" {
		return nil, ErrInvalidOrExpiredToken
	}
	id, err := s.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.GetAccountByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: loading account: %v", ErrUpstream, err)
	}
	if !acct.Enabled() {
		return nil, ErrAccountDisabled
	}
	return s.issueFor(ctx, acct)
}

// Authenticate verifies a raw session token. Any failure is ErrUnauthorized.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, ErrUnauthorized
	}
	p := &Principal{
		ID:    claims.Subject,
		Email: claims.Email,
		Role:  role.Role(claims.Role),
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	return p, nil
}

// CheckAccount reports whether the account behind p may keep using its
// session: ErrUnauthorized when the account is gone, ErrAccountDisabled when
// it is blocked or inactive, and ErrUpstream when the store fails.
func (s *Service) CheckAccount(ctx context.Context, p *Principal) error {
	acct, err := s.store.GetAccountByID(ctx, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrUnauthorized
	case err != nil:
		return fmt.Errorf("%w: loading account: %v", ErrUpstream, err)
	case !acct.Enabled():
		return ErrAccountDisabled
	}
	return nil
}

// ResolveRole returns the effective role of p.
func (s *Service) ResolveRole(ctx context.Context, p *Principal) role.Role {
	return s.roles.Resolve(ctx, p.ID, p.Email, role.Metadata{})
}

// Reissue signs a new session for p, keeping its identity and role.
func (s *Service) Reissue(p Principal) (*Session, error) {
	return s.issue(p)
}

// RequestPasswordReset stores a reset token for email and mails the link when
// the account exists. The work runs in the background and reports nothing to
// the caller, so known and unknown addresses answer alike in body and timing.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) {
	s.background(ctx, func(ctx context.Context) { s.requestPasswordReset(ctx, email) })
}

func (s *Service) requestPasswordReset(ctx context.Context, email string) {
	acct, ok := s.lookupForMail(ctx, email, KindReset)
	if !ok {
		s.record(ctx, audit.Event{Type: audit.EventResetRequested, Email: email})
		return
	}

	tok, err := token.Generate(s.now(), s.opts.ResetTTL)
	if err != nil {
		slog.ErrorContext(ctx, "generating reset token", "error", err)
		return
	}
	if err := s.store.StoreResetToken(ctx, acct.ID, tok.Hash, tok.ExpiresAt); err != nil {
		slog.ErrorContext(ctx, "storing reset token", "account_id", acct.ID, "error", err)
		return
	}

	msg := mail.PasswordReset(s.opts.MailFrom, acct.Email, s.opts.BaseURL, tok.Plaintext, tok.ExpiresAt)
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.observer.MailFailure(mail.KindPasswordReset)
		slog.ErrorContext(ctx, "sending reset email", "account_id", acct.ID, "error", err)
	}
	s.record(ctx, audit.Event{Type: audit.EventResetRequested, AccountID: acct.ID, Email: acct.Email, Success: true})
}

// ResetPassword validates newPassword and consumes the reset token in one
// step. It returns ErrPolicyViolation or ErrInvalidOrExpiredToken on client
// error.
func (s *Service) ResetPassword(ctx context.Context, plaintext, newPassword string) error {
	err := s.resetPassword(ctx, plaintext, newPassword)
	s.observer.AuthAttempt(KindReset, err == nil)
	return err
}

func (s *Service) resetPassword(ctx context.Context, plaintext, newPassword string) error {
	if plaintext == "" {
		return ErrInvalidOrExpiredToken
	}
	if err := ValidatePassword(newPassword, s.opts.MinPasswordChars); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	id, err := s.store.ConsumeResetToken(ctx, token.Hash(plaintext), string(hash), s.now())
	if err != nil {
		if errors.Is(err, ErrInvalidOrExpiredToken) {
			s.record(ctx, audit.Event{Type: audit.EventResetCompleted, Detail: "invalid_or_expired"})
			return ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("%w: consuming reset token: %v", ErrUpstream, err)
	}
	s.record(ctx, audit.Event{Type: audit.EventResetCompleted, AccountID: id, Success: true})
	return nil
}

// RequestMagicLink mails a one-time sign-in link to email when it belongs to
// an enabled account. Like RequestPasswordReset it runs in the background.
func (s *Service) RequestMagicLink(ctx context.Context, email string) {
	s.background(ctx, func(ctx context.Context) { s.requestMagicLink(ctx, email) })
}

func (s *Service) requestMagicLink(ctx context.Context, email string) {
	acct, ok := s.lookupForMail(ctx, email, KindMagicLink)
	if !ok {
		s.record(ctx, audit.Event{Type: audit.EventMagicLinkSent, Email: email})
		return
	}
	if !acct.Enabled() {
		s.record(ctx, audit.Event{Type: audit.EventMagicLinkSent, AccountID: acct.ID, Email: acct.Email, Detail: "account_disabled"})
		return
	}
	if err := s.SendLoginLink(ctx, acct.ID, acct.Email); err != nil {
		slog.ErrorContext(ctx, "sending login link", "account_id", acct.ID, "error", err)
		return
	}
	s.record(ctx, audit.Event{Type: audit.EventMagicLinkSent, AccountID: acct.ID, Email: acct.Email, Success: true})
}

// SendLoginLink stores a login code for accountID and mails the link to
// email. Used for magic-link requests and invitations.
func (s *Service) SendLoginLink(ctx context.Context, accountID, email string) error {
	code, err := token.Generate(s.now(), s.opts.MagicLinkTTL)
	if err != nil {
		return err
	}
	if err := s.store.StoreLoginCode(ctx, accountID, code.Hash, code.ExpiresAt); err != nil {
		return fmt.Errorf("%w: storing login code: %v", ErrUpstream, err)
	}
	msg := mail.MagicLink(s.opts.MailFrom, email, s.opts.BaseURL, code.Plaintext, code.ExpiresAt)
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.observer.MailFailure(mail.KindMagicLink)
		return fmt.Errorf("%w: sending login link: %v", ErrUpstream, err)
	}
	return nil
}

// background runs fn on a copy of ctx that keeps its values but not its
// cancellation, so the request finishing does not abort the delivery.
func (s *Service) background(ctx context.Context, fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background reset and sign-in deliveries have finished.
func (s *Service) Wait() { s.pending.Wait() }

// RecordLogout audits a sign-out.
func (s *Service) RecordLogout(ctx context.Context, p *Principal) {
	ev := audit.Event{Type: audit.EventLogout, Success: true}
	if p != nil {
		ev.AccountID, ev.Email = p.ID, p.Email
	}
	s.record(ctx, ev)
}

func (s *Service) lookupForMail(ctx context.Context, email, kind string) (*Account, bool) {
	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.ErrorContext(ctx, "looking up account", "kind", kind, "error", err)
		}
		return nil, false
	}
	return acct, true
}

func (s *Service) issueFor(ctx context.Context, acct *Account) (*Session, error) {
	r := s.roles.Resolve(ctx, acct.ID, acct.Email, acct.Metadata)
	return s.issue(Principal{ID: acct.ID, Email: acct.Email, Role: r})
}

func (s *Service) issue(p Principal) (*Session, error) {
	raw, claims, err := s.tokens.Issue(token.Subject{ID: p.ID, Email: p.Email, Role: p.Role.String()})
	if err != nil {
		return nil, err
	}
	p.IssuedAt = claims.IssuedAt.Time
	return &Session{Token: raw, ExpiresAt: claims.ExpiresAt.Time, Principal: p}, nil
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	s.audit.Record(audit.Stamp(ctx, ev))
}

// loginCodeExchanger exchanges magic-link codes stored in the credential store.
type loginCodeExchanger struct {
	store CredentialStore
	now   func() time.Time
}

func (e *loginCodeExchanger) ExchangeCode(ctx context.Context, code string) (string, error) {
	id, err := e.store.ConsumeLoginCode(ctx, token.Hash(code), e.now())
	if err != nil {
		if errors.Is(err, ErrInvalidOrExpiredToken) {
			return "", ErrInvalidOrExpiredToken
		}
		return "", fmt.Errorf("%w: consuming login code: %v", ErrUpstream, err)
	}
	return id, nil
}
