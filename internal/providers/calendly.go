package providers

import (
	"context"
	"net/url"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
)

const (
	calendlyBaseURL   = "https://api.calendly.com"
	calendlyNamespace = "calendly"
	// Calendly rejects availability windows longer than a week.
	calendlyMaxWindow = 7 * 24 * time.Hour
)

// Calendly schedules invitees on one event type.
type Calendly struct {
	integration.Base
	api          *restClient
	eventTypeURI string
	reg          *oauth.Registry
}

func newCalendly(conn integration.Connection, e env) (*Calendly, error) {
	uri := conn.ConfigString("event_type_uri")
	if uri == "" {
		return nil, configError(conn.Provider, "event_type_uri is not configured")
	}
	c := &Calendly{Base: integration.NewBase(conn, e.limiter), eventTypeURI: uri, reg: e.oauth}
	c.SetLogger(e.logger)
	c.api = newRESTClient(orDefault(e.baseURL, calendlyBaseURL), e.httpClient, bearer(c.AccessToken))
	c.api.throttle = c.Throttle
	return c, nil
}

func (c *Calendly) Type() integration.ProviderType { return integration.ProviderCalendly }
func (c *Calendly) Name() string                    { return "Calendly" }

func (c *Calendly) RefreshOAuthToken(ctx context.Context) (integration.TokenSnapshot, error) {
	return refreshVia(ctx, c.reg, &c.Base)
}

func (c *Calendly) ValidateConnection(ctx context.Context) error {
	var me struct {
		Resource struct {
			URI string `json:"uri"`
		} `json:"resource"`
	}
	if err := c.api.get(ctx, "/users/me", nil, &me); err != nil {
		return c.Fail("calendly.validate", classify("calendly.validate", err))
	}
	return nil
}

func (c *Calendly) CreateContact(_ context.Context, data integration.ContactData) (integration.Contact, error) {
	contact, err := integration.SyntheticContact(calendlyNamespace, data)
	if err != nil {
		return integration.Contact{}, c.Fail("calendly.create_contact", err)
	}
	return contact, nil
}

func (c *Calendly) UpdateContact(_ context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

func (c *Calendly) FindContact(context.Context, integration.ContactData) (*integration.Contact, error) {
	return nil, nil
}

func (c *Calendly) slotLength(q integration.AvailabilityQuery) time.Duration {
	if q.DurationMinutes > 0 {
		return time.Duration(q.DurationMinutes) * time.Minute
	}
	conn := c.Connection()
	return time.Duration(conn.ConfigInt("duration_minutes", integration.DefaultAppointmentMinutes)) * time.Minute
}

func (c *Calendly) CheckAvailability(ctx context.Context, q integration.AvailabilityQuery) ([]integration.TimeSlot, error) {
	const op = "calendly.check_availability"
	from := q.From
	// Calendly only returns times in the future.
	if now := time.Now().UTC(); from.Before(now) {
		from = now
	}
	to := q.To
	if to.Sub(from) > calendlyMaxWindow {
		to = from.Add(calendlyMaxWindow)
	}
	if !from.Before(to) {
		return nil, nil
	}

	var resp struct {
		Collection []struct {
			Status    string    `json:"status"`
			StartTime time.Time `json:"start_time"`
		} `json:"collection"`
	}
	query := url.Values{
		"event_type": {c.eventTypeURI},
		"start_time": {from.UTC().Format(time.RFC3339)},
		"end_time":   {to.UTC().Format(time.RFC3339)},
	}
	if err := c.api.get(ctx, "/event_type_available_times", query, &resp); err != nil {
		return nil, c.Fail(op, classify(op, err))
	}

	length := c.slotLength(q)
	slots := make([]integration.TimeSlot, 0, len(resp.Collection))
	for _, t := range resp.Collection {
		if t.Status != "" && t.Status != "available" {
			continue
		}
		slots = append(slots, integration.TimeSlot{Start: t.StartTime, End: t.StartTime.Add(length)})
	}
	return slots, nil
}

func (c *Calendly) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "calendly.book_appointment"
	if appt.AttendeeEmail == "" {
		return integration.Appointment{}, c.Fail(op, integration.Errorf(integration.CodeContact, op, "calendly needs an invitee email"))
	}
	start, err := appt.Start()
	if err != nil {
		return integration.Appointment{}, c.Fail(op, err)
	}
	tz := appt.Timezone
	if tz == "" {
		tz = "UTC"
	}
	invitee := integration.Compact(map[string]any{
		"name":                 appt.AttendeeName,
		"email":                appt.AttendeeEmail,
		"timezone":             tz,
		"text_reminder_number": appt.AttendeePhone,
	})
	body := integration.Compact(map[string]any{
		"event_type": c.eventTypeURI,
		"start_time": start.UTC().Format(time.RFC3339),
		"invitee":    invitee,
	})
	if appt.Location != "" {
		body["location"] = map[string]any{"kind": "physical", "location": appt.Location}
	}

	var resp struct {
		Resource struct {
			URI       string `json:"uri"`
			Event     string `json:"event"`
			CancelURL string `json:"cancel_url"`
		} `json:"resource"`
	}
	if err := c.api.post(ctx, "/invitees", body, &resp); err != nil {
		return integration.Appointment{}, c.Fail(op, classify(op, err))
	}
	return integration.Appointment{
		ID:      resp.Resource.URI,
		Contact: appt.Contact,
		Start:   start,
		End:     start.Add(appt.Duration()),
		Title:   appt.Title,
		URL:     resp.Resource.Event,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
