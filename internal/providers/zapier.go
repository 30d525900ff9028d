package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

const (
	zapierNamespace = "zapier"
	signatureHeader = "X-Callbridge-Signature"
)

// Zapier relays events to a catch hook. It cannot read anything back, so
// FindContact never matches and each contact operation becomes an outbound
// event. Finished calls are sent as a single call.completed event.
type Zapier struct {
	integration.Base
	api    *restClient
	hook   string
	secret string
}

func newZapier(conn integration.Connection, e env) (*Zapier, error) {
	if conn.WebhookURL == "" {
		return nil, configError(conn.Provider, "webhook_url is not configured")
	}
	z := &Zapier{Base: integration.NewBase(conn, e.limiter), hook: conn.WebhookURL, secret: conn.WebhookSecret}
	z.SetLogger(e.logger)
	z.api = newRESTClient("", e.httpClient, nil)
	z.api.throttle = z.Throttle
	return z, nil
}

func (z *Zapier) Type() integration.ProviderType { return integration.ProviderZapier }
func (z *Zapier) Name() string                    { return "Zapier" }

// zapierEvent is the envelope of every outbound event.
type zapierEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Data      any       `json:"data"`
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in the
// signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (z *Zapier) send(ctx context.Context, op, event string, data any) error {
	body, err := json.Marshal(zapierEvent{
		Event:     event,
		Timestamp: time.Now().UTC(),
		AgentID:   z.Connection().AgentID,
		Data:      data,
	})
	if err != nil {
		return z.Fail(op, integration.NewError(integration.CodeProcessing, op, err))
	}
	api := z.api
	if z.secret != "" {
		api = api.with(map[string]string{signatureHeader: Sign(z.secret, body)})
	}
	if err := api.do(ctx, http.MethodPost, z.hook, nil, json.RawMessage(body), nil); err != nil {
		return z.Fail(op, classify(op, err))
	}
	return nil
}

func (z *Zapier) ValidateConnection(ctx context.Context) error {
	return z.send(ctx, "zapier.validate", "connection.test", map[string]any{"message": "callbridge connection test"})
}

func (z *Zapier) CreateContact(ctx context.Context, data integration.ContactData) (integration.Contact, error) {
	const op = "zapier.create_contact"
	c, err := integration.SyntheticContact(zapierNamespace, data)
	if err != nil {
		return integration.Contact{}, z.Fail(op, err)
	}
	if err := z.send(ctx, op, "contact.created", data); err != nil {
		return integration.Contact{}, err
	}
	return c, nil
}

func (z *Zapier) UpdateContact(ctx context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	const op = "zapier.update_contact"
	payload := map[string]any{"contact_id": ref.ID, "contact": data}
	if err := z.send(ctx, op, "contact.updated", payload); err != nil {
		return integration.Contact{}, err
	}
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

// FindContact always reports no match; the hook has no read side.
func (z *Zapier) FindContact(context.Context, integration.ContactData) (*integration.Contact, error) {
	return nil, nil
}

func (z *Zapier) AddNote(ctx context.Context, note integration.NoteData) (integration.Note, error) {
	const op = "zapier.add_note"
	if err := z.send(ctx, op, "note.added", note); err != nil {
		return integration.Note{}, err
	}
	return integration.Note{ID: fmt.Sprintf("%s:note:%d", note.Contact.ID, note.Timestamp.Unix()), Contact: note.Contact}, nil
}

func (z *Zapier) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "zapier.book_appointment"
	start, err := appt.Start()
	if err != nil {
		return integration.Appointment{}, z.Fail(op, err)
	}
	if err := z.send(ctx, op, "appointment.booked", appt); err != nil {
		return integration.Appointment{}, err
	}
	return integration.Appointment{
		ID:      fmt.Sprintf("%s:appointment:%d", appt.Contact.ID, start.Unix()),
		Contact: appt.Contact,
		Start:   start,
		End:     start.Add(appt.Duration()),
		Title:   appt.Title,
	}, nil
}

func (z *Zapier) TriggerWorkflow(ctx context.Context, trig integration.WorkflowTrigger) error {
	return z.send(ctx, "zapier.trigger_workflow", "workflow.triggered", trig)
}

// ProcessCall sends the whole call, with the rendered note, as one event.
func (z *Zapier) ProcessCall(ctx context.Context, call integration.CallData) (integration.ProcessResult, error) {
	const op = "zapier.process_call"
	contact := integration.CallerContact(call)
	payload := map[string]any{
		"call":    call,
		"contact": contact,
		"note": map[string]any{
			"subject": integration.NoteSubject(call),
			"body":    integration.FormatCallNote(call),
		},
	}
	if err := z.send(ctx, op, "call.completed", payload); err != nil {
		return integration.ProcessResult{}, err
	}
	res := integration.ProcessResult{EventSent: true}
	if ref, err := integration.SyntheticID(zapierNamespace, contact); err == nil {
		res.Contact = ref
	}
	return res, nil
}
