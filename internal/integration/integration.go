// Package integration defines the capability contract every provider adapter
// implements, the provider-agnostic data model and the shared orchestration
// that runs on top of it: contact resolution, token refresh and call sync.
package integration

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Integration is the operation surface of a provider adapter.
//
// FindContact returns (nil, nil) when no matching contact exists. The optional
// operations are satisfied by Base and fail with NOT_SUPPORTED until an
// adapter overrides them.
type Integration interface {
	Type() ProviderType
	Name() string
	Connection() Connection

	ValidateConnection(ctx context.Context) error
	CreateContact(ctx context.Context, data ContactData) (Contact, error)
	UpdateContact(ctx context.Context, ref ContactRef, data ContactData) (Contact, error)
	FindContact(ctx context.Context, data ContactData) (*Contact, error)

	AddNote(ctx context.Context, note NoteData) (Note, error)
	AddAttachment(ctx context.Context, ref ContactRef, att Attachment) error
	CheckAvailability(ctx context.Context, q AvailabilityQuery) ([]TimeSlot, error)
	BookAppointment(ctx context.Context, appt AppointmentData) (Appointment, error)
	TriggerWorkflow(ctx context.Context, trig WorkflowTrigger) error

	ApplyToken(snap TokenSnapshot)
}

// TokenRefresher is implemented by OAuth adapters. RefreshOAuthToken must not
// mutate the adapter; the caller persists the snapshot and applies it.
type TokenRefresher interface {
	RefreshOAuthToken(ctx context.Context) (TokenSnapshot, error)
}

// CallProcessor lets an adapter replace the contact, note and appointment
// sequence with its own handling of a finished call.
type CallProcessor interface {
	ProcessCall(ctx context.Context, call CallData) (ProcessResult, error)
}

// Throttler paces outbound requests. ratelimit.Policy satisfies it.
type Throttler interface {
	Wait(ctx context.Context) error
}

// Base carries the connection and shared helpers for adapters. Adapters embed
// it and override the optional operations they support.
type Base struct {
	mu      sync.RWMutex
	conn    Connection
	limiter Throttler
	logger  *slog.Logger
}

// NewBase copies conn so that later token updates never alias the caller's
// record.
func NewBase(conn Connection, limiter Throttler) Base {
	if conn.Config != nil {
		cfg := make(map[string]any, len(conn.Config))
		for k, v := range conn.Config {
			cfg[k] = v
		}
		conn.Config = cfg
	}
	return Base{conn: conn, limiter: limiter, logger: slog.Default()}
}

// Connection returns a copy of the adapter's connection record.
func (b *Base) Connection() Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

// AccessToken returns the current OAuth access token.
func (b *Base) AccessToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn.AccessToken
}

// ApplyToken updates the in-memory copy of the token fields.
func (b *Base) ApplyToken(snap TokenSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn.AccessToken = snap.AccessToken
	if snap.RefreshToken != "" {
		b.conn.RefreshToken = snap.RefreshToken
	}
	if !snap.ExpiresAt.IsZero() {
		exp := snap.ExpiresAt
		b.conn.TokenExpiresAt = &exp
	}
	if snap.InstanceURL != "" {
		b.conn.InstanceURL = snap.InstanceURL
	}
}

// SetLogger replaces the adapter logger.
func (b *Base) SetLogger(l *slog.Logger) {
	if l != nil {
		b.logger = l
	}
}

// Logger returns the adapter logger.
func (b *Base) Logger() *slog.Logger {
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

// Throttle blocks until the adapter's rate limit admits another request.
func (b *Base) Throttle(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return NewError(CodeProcessing, "ratelimit", err)
	}
	return nil
}

// Fail normalises err into an *Error tagged with op and logs it. Errors that
// already carry a code keep it.
func (b *Base) Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *Error
	if !errors.As(err, &ie) {
		ie = NewError(CodeUnknown, op, err)
	}
	conn := b.Connection()
	b.Logger().Warn("integration operation failed",
		"op", op,
		"provider", conn.Provider,
		"connection_id", conn.ID,
		"code", ie.Code,
		"error", err,
	)
	return ie
}

func (b *Base) AddNote(context.Context, NoteData) (Note, error) {
	return Note{}, NotSupported("add_note")
}

func (b *Base) AddAttachment(context.Context, ContactRef, Attachment) error {
	return NotSupported("add_attachment")
}

func (b *Base) CheckAvailability(context.Context, AvailabilityQuery) ([]TimeSlot, error) {
	return nil, NotSupported("check_availability")
}

func (b *Base) BookAppointment(context.Context, AppointmentData) (Appointment, error) {
	return Appointment{}, NotSupported("book_appointment")
}

func (b *Base) TriggerWorkflow(context.Context, WorkflowTrigger) error {
	return NotSupported("trigger_workflow")
}
