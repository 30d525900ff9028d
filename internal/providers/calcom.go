package providers

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

const (
	calcomBaseURL        = "https://api.cal.com/v2"
	calcomNamespace      = "calcom"
	calcomBookingVersion = "2024-08-13"
	calcomSlotsVersion   = "2024-09-04"
)

// CalCom books one Cal.com event type. Cal.com attendees are not addressable
// records, so contacts are synthetic.
type CalCom struct {
	integration.Base
	api         *restClient
	eventTypeID int
}

func newCalCom(conn integration.Connection, e env) (*CalCom, error) {
	id := conn.ConfigInt("event_type_id", 0)
	if id <= 0 {
		return nil, configError(conn.Provider, "event_type_id is not configured")
	}
	c := &CalCom{Base: integration.NewBase(conn, e.limiter), eventTypeID: id}
	c.SetLogger(e.logger)
	key := conn.APIKey
	c.api = newRESTClient(orDefault(e.baseURL, calcomBaseURL), e.httpClient, bearer(func() string { return key }))
	c.api.throttle = c.Throttle
	return c, nil
}

func (c *CalCom) Type() integration.ProviderType { return integration.ProviderCalCom }
func (c *CalCom) Name() string                    { return "Cal.com" }

func (c *CalCom) ValidateConnection(ctx context.Context) error {
	if err := c.api.get(ctx, "/me", nil, nil); err != nil {
		return c.Fail("calcom.validate", classify("calcom.validate", err))
	}
	return nil
}

func (c *CalCom) CreateContact(_ context.Context, data integration.ContactData) (integration.Contact, error) {
	contact, err := integration.SyntheticContact(calcomNamespace, data)
	if err != nil {
		return integration.Contact{}, c.Fail("calcom.create_contact", err)
	}
	return contact, nil
}

func (c *CalCom) UpdateContact(_ context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

func (c *CalCom) FindContact(context.Context, integration.ContactData) (*integration.Contact, error) {
	return nil, nil
}

func (c *CalCom) CheckAvailability(ctx context.Context, q integration.AvailabilityQuery) ([]integration.TimeSlot, error) {
	const op = "calcom.check_availability"
	tz := integration.Location(q.Timezone).String()
	query := url.Values{
		"eventTypeId": {strconv.Itoa(c.eventTypeID)},
		"start":       {q.From.UTC().Format(time.RFC3339)},
		"end":         {q.To.UTC().Format(time.RFC3339)},
		"timeZone":    {tz},
	}
	if q.DurationMinutes > 0 {
		query.Set("duration", strconv.Itoa(q.DurationMinutes))
	}
	var resp struct {
		Status string `json:"status"`
		Data   map[string][]struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"data"`
	}
	api := c.api.with(map[string]string{"cal-api-version": calcomSlotsVersion})
	if err := api.get(ctx, "/slots", query, &resp); err != nil {
		return nil, c.Fail(op, classify(op, err))
	}

	length := time.Duration(integration.DefaultAppointmentMinutes) * time.Minute
	if q.DurationMinutes > 0 {
		length = time.Duration(q.DurationMinutes) * time.Minute
	}
	var slots []integration.TimeSlot
	for _, day := range resp.Data {
		for _, s := range day {
			end := s.End
			if end.IsZero() {
				end = s.Start.Add(length)
			}
			slots = append(slots, integration.TimeSlot{Start: s.Start, End: end})
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots, nil
}

func (c *CalCom) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "calcom.book_appointment"
	if appt.AttendeeEmail == "" {
		return integration.Appointment{}, c.Fail(op, integration.Errorf(integration.CodeContact, op, "cal.com needs an attendee email"))
	}
	start, err := appt.Start()
	if err != nil {
		return integration.Appointment{}, c.Fail(op, err)
	}
	tz := appt.Timezone
	if tz == "" {
		tz = "UTC"
	}
	name := appt.AttendeeName
	if name == "" {
		name = appt.AttendeeEmail
	}
	body := integration.Compact(map[string]any{
		"start":       start.UTC().Format(time.RFC3339),
		"eventTypeId": c.eventTypeID,
		"attendee": integration.Compact(map[string]any{
			"name":        name,
			"email":       appt.AttendeeEmail,
			"timeZone":    tz,
			"phoneNumber": appt.AttendeePhone,
		}),
		"metadata": integration.Compact(map[string]any{
			"source":  "callbridge",
			"contact": appt.Contact.ID,
			"service": appt.ServiceType,
		}),
	})
	if appt.DurationMinutes > 0 {
		body["lengthInMinutes"] = appt.DurationMinutes
	}
	if appt.Location != "" {
		body["location"] = map[string]any{"type": "address", "address": appt.Location}
	}

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			ID    int       `json:"id"`
			UID   string    `json:"uid"`
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
			Title string    `json:"title"`
		} `json:"data"`
	}
	api := c.api.with(map[string]string{"cal-api-version": calcomBookingVersion})
	if err := api.post(ctx, "/bookings", body, &resp); err != nil {
		return integration.Appointment{}, c.Fail(op, classify(op, err))
	}
	end := resp.Data.End
	if end.IsZero() {
		end = start.Add(appt.Duration())
	}
	id := resp.Data.UID
	if id == "" {
		id = strconv.Itoa(resp.Data.ID)
	}
	return integration.Appointment{ID: id, Contact: appt.Contact, Start: start, End: end, Title: resp.Data.Title}, nil
}
