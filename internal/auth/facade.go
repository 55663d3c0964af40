package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qazna.org/authcore/internal/ids"
)

const tracerName = "qazna.org/authcore/internal/auth"

var handlePattern = regexp.MustCompile(`^[a-z0-9._-]{3,32}$`)

// Components are the collaborators behind a Facade.
type Components struct {
	Credentials *CredentialAuthenticator
	Flows       *FlowCoordinator
	Tokens      *TokenManager
	Guard       *Guard
	Identities  IdentityStore
	Roles       RoleStore
	Hasher      *PasswordHasher
}

// Facade is the single entry point for authentication and authorization.
type Facade struct {
	creds      *CredentialAuthenticator
	flows      *FlowCoordinator
	tokens     *TokenManager
	guard      *Guard
	identities IdentityStore
	roles      RoleStore
	hasher     *PasswordHasher

	auditor Auditor
	metrics Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

func WithAuditor(a Auditor) FacadeOption {
	return func(f *Facade) {
		if a != nil {
			f.auditor = a
		}
	}
}

func WithMetrics(m Metrics) FacadeOption {
	return func(f *Facade) {
		if m != nil {
			f.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) FacadeOption {
	return func(f *Facade) {
		if t != nil {
			f.tracer = t
		}
	}
}

func WithLogger(l *zap.Logger) FacadeOption {
	return func(f *Facade) {
		if l != nil {
			f.logger = l
		}
	}
}

func NewFacade(c Components, opts ...FacadeOption) (*Facade, error) {
	if c.Credentials == nil || c.Flows == nil || c.Tokens == nil || c.Guard == nil || c.Identities == nil || c.Roles == nil {
		return nil, errors.New("auth: facade components are required")
	}
	if c.Hasher == nil {
		c.Hasher = NewPasswordHasher(DefaultBcryptCost)
	}
	f := &Facade{
		creds:      c.Credentials,
		flows:      c.Flows,
		tokens:     c.Tokens,
		guard:      c.Guard,
		identities: c.Identities,
		roles:      c.Roles,
		hasher:     c.Hasher,
		auditor:    nopAuditor{},
		metrics:    nopMetrics{},
		tracer:     otel.Tracer(tracerName),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Guard exposes the RBAC guard for role administration.
func (f *Facade) Guard() *Guard { return f.guard }

func (f *Facade) Login(ctx context.Context, identifier, password string) (TokenPair, error) {
	op := f.start(ctx, "login")
	defer op.end()

	p, err := f.creds.Authenticate(op.ctx, identifier, password)
	if err != nil {
		return TokenPair{}, op.fail(err)
	}
	op.principal(p.ID, ProviderLocal)
	pair, err := f.tokens.Issue(op.ctx, p, ProviderLocal)
	if err != nil {
		return TokenPair{}, op.fail(err)
	}
	op.succeed()
	return pair, nil
}

func (f *Facade) BeginOAuth(ctx context.Context, providerName, redirectURI string) (Authorization, error) {
	op := f.start(ctx, "begin_oauth")
	defer op.end()
	op.principal(0, providerName)

	a, err := f.flows.Begin(op.ctx, providerName, redirectURI)
	if err != nil {
		return Authorization{}, op.fail(err)
	}
	op.succeed()
	return a, nil
}

func (f *Facade) CompleteOAuth(ctx context.Context, providerName, code, state string) (TokenPair, error) {
	op := f.start(ctx, "complete_oauth")
	defer op.end()
	op.principal(0, providerName)

	p, err := f.flows.Complete(op.ctx, providerName, code, state)
	if err != nil {
		var fe *FlowError
		if errors.As(err, &fe) {
			op.field("flow_state", fe.Reached.String())
		}
		return TokenPair{}, op.fail(err)
	}
	op.principal(p.ID, providerName)
	pair, err := f.tokens.Issue(op.ctx, p, strings.ToLower(strings.TrimSpace(providerName)))
	if err != nil {
		return TokenPair{}, op.fail(err)
	}
	op.succeed()
	return pair, nil
}

func (f *Facade) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	op := f.start(ctx, "refresh")
	defer op.end()

	pair, err := f.tokens.Refresh(op.ctx, refreshToken)
	if err != nil {
		return TokenPair{}, op.fail(err)
	}
	op.succeed()
	return pair, nil
}

// Revoke retires the refresh tokens of a principal.
func (f *Facade) Revoke(ctx context.Context, principalID int64, providerName string) error {
	op := f.start(ctx, "revoke")
	defer op.end()
	op.principal(principalID, providerName)

	if err := f.tokens.Revoke(op.ctx, principalID, providerName); err != nil {
		return op.fail(err)
	}
	op.succeed()
	return nil
}

func (f *Facade) Validate(ctx context.Context, accessToken string) (ClaimsView, error) {
	op := f.start(ctx, "validate")
	defer op.end()

	view, err := f.tokens.Validate(op.ctx, accessToken)
	if err != nil {
		return ClaimsView{}, op.fail(err)
	}
	op.principal(view.PrincipalID, view.Provider)
	op.succeed()
	return view, nil
}

// Authorize validates the token and checks req against its embedded claims.
func (f *Facade) Authorize(ctx context.Context, accessToken string, req Requirement) (ClaimsView, error) {
	op := f.start(ctx, "authorize")
	defer op.end()

	view, err := f.tokens.Validate(op.ctx, accessToken)
	if err != nil {
		return ClaimsView{}, op.fail(err)
	}
	op.principal(view.PrincipalID, view.Provider)
	if err := f.guard.Require(view.Access(), req); err != nil {
		return ClaimsView{}, op.fail(err)
	}
	op.succeed()
	return view, nil
}

// Register creates a local principal holding the default role. An empty
// handle is derived from the e-mail address.
func (f *Facade) Register(ctx context.Context, email, handle, password string) (Principal, error) {
	op := f.start(ctx, "register")
	defer op.end()

	p, err := f.register(op.ctx, email, handle, password)
	if err != nil {
		return Principal{}, op.fail(err)
	}
	op.principal(p.ID, ProviderLocal)
	op.succeed()
	return p, nil
}

func (f *Facade) register(ctx context.Context, email, handle, password string) (Principal, error) {
	email = NormalizeIdentifier(email)
	if email == "" || !strings.Contains(email, "@") {
		return Principal{}, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	handle = NormalizeIdentifier(handle)
	if handle != "" && !handlePattern.MatchString(handle) {
		return Principal{}, fmt.Errorf("%w: handle must match %s", ErrInvalidInput, handlePattern)
	}
	hash, err := f.hasher.Hash(password)
	if err != nil {
		return Principal{}, err
	}
	var p Principal
	if handle == "" {
		p, err = createWithHandle(ctx, f.identities, email, hash)
	} else {
		p, err = f.identities.Create(ctx, PrincipalFields{Email: email, Handle: handle, PasswordHash: hash, Active: true})
	}
	if err != nil {
		return Principal{}, err
	}
	return assignDefaultRole(ctx, f.identities, f.roles, p)
}

// ChangePassword verifies the current password, stores the new one and
// revokes outstanding refresh tokens.
func (f *Facade) ChangePassword(ctx context.Context, principalID int64, current, next string) error {
	op := f.start(ctx, "change_password")
	defer op.end()
	op.principal(principalID, ProviderLocal)

	p, err := f.identities.FindByID(op.ctx, principalID)
	if errors.Is(err, ErrNotFound) {
		f.hasher.Verify("", current)
		return op.fail(ErrInvalidCredentials)
	}
	if err != nil {
		return op.fail(err)
	}
	if !p.Active || !f.hasher.Verify(p.PasswordHash, current) {
		return op.fail(ErrInvalidCredentials)
	}
	hash, err := f.hasher.Hash(next)
	if err != nil {
		return op.fail(err)
	}
	if _, err := f.identities.Update(op.ctx, principalID, PrincipalUpdate{PasswordHash: &hash}); err != nil {
		return op.fail(err)
	}
	if err := f.tokens.Revoke(op.ctx, principalID, ""); err != nil {
		return op.fail(err)
	}
	op.succeed()
	return nil
}

// SetActive toggles a principal. Deactivation revokes its refresh tokens.
func (f *Facade) SetActive(ctx context.Context, actor Access, principalID int64, active bool) error {
	op := f.start(ctx, "set_active")
	defer op.end()
	op.principal(principalID, "")
	op.field("active", fmt.Sprint(active))

	if err := f.guard.authorizeAdmin(actor); err != nil {
		return op.fail(err)
	}
	if _, err := f.identities.Update(op.ctx, principalID, PrincipalUpdate{Active: &active}); err != nil {
		return op.fail(err)
	}
	if !active {
		if err := f.tokens.Revoke(op.ctx, principalID, ""); err != nil {
			return op.fail(err)
		}
	}
	op.succeed()
	return nil
}

// operation carries the span and audit context of one facade call.
type operation struct {
	f           *Facade
	ctx         context.Context
	span        trace.Span
	name        string
	principalID int64
	provider    string
	fields      map[string]string
}

func (f *Facade) start(ctx context.Context, name string) *operation {
	ctx, span := f.tracer.Start(ctx, "auth."+name)
	return &operation{f: f, ctx: ctx, span: span, name: name}
}

func (o *operation) principal(id int64, providerName string) {
	if id != 0 {
		o.principalID = id
		o.span.SetAttributes(attribute.Int64("auth.principal_id", id))
	}
	if providerName != "" {
		o.provider = strings.ToLower(strings.TrimSpace(providerName))
		o.span.SetAttributes(attribute.String("auth.provider", o.provider))
	}
}

func (o *operation) field(k, v string) {
	if o.fields == nil {
		o.fields = make(map[string]string)
	}
	o.fields[k] = v
}

func (o *operation) succeed() {
	o.f.metrics.Inc(o.name, "success", "")
	ev := o.event("success", "")
	o.f.auditor.Record(o.ctx, ev)
}

func (o *operation) fail(err error) error {
	reason := Reason(err)
	o.span.RecordError(err)
	o.span.SetStatus(codes.Error, reason)
	o.f.metrics.Inc(o.name, "failure", reason)
	ev := o.event("failure", reason)
	o.f.auditor.Record(o.ctx, ev)
	if Classify(err) == FaultInternal {
		o.f.logger.Error("auth operation failed",
			zap.String("operation", o.name),
			zap.String("request_id", ev.CorrelationID),
			zap.Error(err),
		)
	}
	return err
}

func (o *operation) end() { o.span.End() }

func (o *operation) event(outcome, reason string) AuditEvent {
	return AuditEvent{
		Operation:     o.name,
		Outcome:       outcome,
		Reason:        reason,
		CorrelationID: o.correlationID(),
		PrincipalID:   o.principalID,
		Provider:      o.provider,
		Fields:        o.fields,
	}
}

// correlationID prefers the request id, then the trace id.
func (o *operation) correlationID() string {
	if id := RequestIDFromContext(o.ctx); id != "" {
		return id
	}
	if sc := o.span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	id := ids.New()
	o.ctx = ContextWithRequestID(o.ctx, id)
	return id
}
