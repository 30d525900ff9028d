package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
)

const gcalNamespace = "gcal"

// GoogleCalendar books events on one Google calendar. Google Calendar has no
// contact object, so callers are tracked by synthetic ids and call notes are
// written as transparent events.
type GoogleCalendar struct {
	integration.Base
	svc        *calendar.Service
	calendarID string
	reg        *oauth.Registry
}

// liveToken reads the adapter's current access token on every request so
// that refreshed tokens apply without rebuilding the service.
type liveToken struct{ b *integration.Base }

func (t liveToken) Token() (*oauth2.Token, error) {
	tok := t.b.AccessToken()
	if tok == "" {
		return nil, errors.New("no access token")
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

func newGoogleCalendar(conn integration.Connection, e env) (*GoogleCalendar, error) {
	g := &GoogleCalendar{
		Base:       integration.NewBase(conn, e.limiter),
		calendarID: conn.ConfigString("calendar_id"),
		reg:        e.oauth,
	}
	if g.calendarID == "" {
		g.calendarID = "primary"
	}
	g.SetLogger(e.logger)

	base := http.DefaultTransport
	if e.httpClient != nil && e.httpClient.Transport != nil {
		base = e.httpClient.Transport
	}
	hc := &http.Client{
		Timeout:   defaultTimeout,
		Transport: &oauth2.Transport{Source: liveToken{b: &g.Base}, Base: base},
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if e.baseURL != "" {
		opts = append(opts, option.WithEndpoint(e.baseURL))
	}
	svc, err := calendar.NewService(context.Background(), opts...)
	if err != nil {
		return nil, configError(conn.Provider, "creating calendar service: %v", err)
	}
	g.svc = svc
	return g, nil
}

func (g *GoogleCalendar) Type() integration.ProviderType { return integration.ProviderGoogleCalendar }
func (g *GoogleCalendar) Name() string                    { return "Google Calendar" }

// googleErr maps Google API errors onto integration codes.
func (g *GoogleCalendar) googleErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return g.Fail(op, integration.NewError(integration.CodeAuth, op, err))
		case http.StatusNotFound:
			return g.Fail(op, integration.Errorf(integration.CodeConfig, op, "calendar %q not found: %v", g.calendarID, err))
		}
	}
	return g.Fail(op, classify(op, err))
}

func (g *GoogleCalendar) RefreshOAuthToken(ctx context.Context) (integration.TokenSnapshot, error) {
	return refreshVia(ctx, g.reg, &g.Base)
}

func (g *GoogleCalendar) ValidateConnection(ctx context.Context) error {
	if err := g.Throttle(ctx); err != nil {
		return err
	}
	if _, err := g.svc.Calendars.Get(g.calendarID).Context(ctx).Do(); err != nil {
		return g.googleErr("gcal.validate", err)
	}
	return nil
}

func (g *GoogleCalendar) CreateContact(_ context.Context, data integration.ContactData) (integration.Contact, error) {
	c, err := integration.SyntheticContact(gcalNamespace, data)
	if err != nil {
		return integration.Contact{}, g.Fail("gcal.create_contact", err)
	}
	return c, nil
}

func (g *GoogleCalendar) UpdateContact(_ context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

// FindContact never finds anything: there is no contact store to search.
func (g *GoogleCalendar) FindContact(context.Context, integration.ContactData) (*integration.Contact, error) {
	return nil, nil
}

func (g *GoogleCalendar) AddNote(ctx context.Context, note integration.NoteData) (integration.Note, error) {
	const op = "gcal.add_note"
	if err := g.Throttle(ctx); err != nil {
		return integration.Note{}, err
	}
	at := note.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	summary := note.Subject
	if summary == "" {
		summary = "Call log"
	}
	ev := &calendar.Event{
		Summary:      summary,
		Description:  note.Body + attachmentLines(note.Attachments),
		Transparency: "transparent",
		Start:        &calendar.EventDateTime{DateTime: at.Format(time.RFC3339)},
		End:          &calendar.EventDateTime{DateTime: at.Add(time.Minute).Format(time.RFC3339)},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"callbridge_kind": "call_note", "callbridge_contact": note.Contact.ID},
		},
	}
	created, err := g.svc.Events.Insert(g.calendarID, ev).Context(ctx).Do()
	if err != nil {
		return integration.Note{}, g.googleErr(op, err)
	}
	return integration.Note{ID: created.Id, Contact: note.Contact}, nil
}

func (g *GoogleCalendar) CheckAvailability(ctx context.Context, q integration.AvailabilityQuery) ([]integration.TimeSlot, error) {
	const op = "gcal.check_availability"
	if err := g.Throttle(ctx); err != nil {
		return nil, err
	}
	conn := g.Connection()
	bh := integration.BusinessHoursFromConfig(&conn)
	if q.DurationMinutes > 0 {
		bh.SlotMinutes = q.DurationMinutes
	}
	loc := integration.Location(q.Timezone)

	resp, err := g.svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin:  q.From.Format(time.RFC3339),
		TimeMax:  q.To.Format(time.RFC3339),
		TimeZone: loc.String(),
		Items:    []*calendar.FreeBusyRequestItem{{Id: g.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, g.googleErr(op, err)
	}

	var busy []integration.TimeSlot
	if cal, ok := resp.Calendars[g.calendarID]; ok {
		if len(cal.Errors) > 0 {
			return nil, g.Fail(op, integration.Errorf(integration.CodeConfig, op, "free/busy for %s: %s", g.calendarID, cal.Errors[0].Reason))
		}
		for _, p := range cal.Busy {
			start, err1 := time.Parse(time.RFC3339, p.Start)
			end, err2 := time.Parse(time.RFC3339, p.End)
			if err1 != nil || err2 != nil {
				continue
			}
			busy = append(busy, integration.TimeSlot{Start: start, End: end})
		}
	}
	return integration.SubtractBusy(bh.Grid(q.From, q.To, loc), busy), nil
}

func (g *GoogleCalendar) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "gcal.book_appointment"
	start, err := appt.Start()
	if err != nil {
		return integration.Appointment{}, g.Fail(op, err)
	}
	end := start.Add(appt.Duration())
	if err := g.Throttle(ctx); err != nil {
		return integration.Appointment{}, err
	}

	title := appt.Title
	if title == "" {
		title = "Appointment"
		if appt.AttendeeName != "" {
			title = "Appointment with " + appt.AttendeeName
		}
	}
	desc := appt.Notes
	if appt.AttendeePhone != "" {
		desc = fmt.Sprintf("%s\nPhone: %s", desc, appt.AttendeePhone)
	}
	if appt.ServiceType != "" {
		desc = fmt.Sprintf("%s\nService: %s", desc, appt.ServiceType)
	}
	ev := &calendar.Event{
		Summary:     title,
		Description: desc,
		Location:    appt.Location,
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: appt.Timezone},
		End:         &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: appt.Timezone},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"callbridge_kind": "appointment", "callbridge_contact": appt.Contact.ID},
		},
	}
	if appt.AttendeeEmail != "" {
		ev.Attendees = []*calendar.EventAttendee{{Email: appt.AttendeeEmail, DisplayName: appt.AttendeeName}}
	}
	created, err := g.svc.Events.Insert(g.calendarID, ev).Context(ctx).Do()
	if err != nil {
		return integration.Appointment{}, g.googleErr(op, err)
	}
	return integration.Appointment{
		ID:      created.Id,
		Contact: appt.Contact,
		Start:   start,
		End:     end,
		Title:   title,
		URL:     created.HtmlLink,
	}, nil
}
