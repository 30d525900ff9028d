package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

const (
	highLevelBaseURL = "https://services.leadconnectorhq.com"
	highLevelVersion = "2021-07-28"
)

// HighLevel talks to one HighLevel sub-account (location).
type HighLevel struct {
	integration.Base
	api        *restClient
	locationID string
	calendarID string
}

func newHighLevel(conn integration.Connection, e env) (*HighLevel, error) {
	locationID := conn.ConfigString("location_id")
	if locationID == "" {
		return nil, configError(conn.Provider, "location_id is not configured")
	}
	h := &HighLevel{
		Base:       integration.NewBase(conn, e.limiter),
		locationID: locationID,
		calendarID: conn.ConfigString("calendar_id"),
	}
	h.SetLogger(e.logger)
	key := conn.APIKey
	h.api = newRESTClient(orDefault(e.baseURL, highLevelBaseURL), e.httpClient, bearer(func() string { return key }))
	h.api.headers["Version"] = highLevelVersion
	h.api.throttle = h.Throttle
	return h, nil
}

func (h *HighLevel) Type() integration.ProviderType { return integration.ProviderHighLevel }
func (h *HighLevel) Name() string                    { return "HighLevel" }

func (h *HighLevel) ValidateConnection(ctx context.Context) error {
	if err := h.api.get(ctx, "/locations/"+url.PathEscape(h.locationID), nil, nil); err != nil {
		return h.Fail("highlevel.validate", classify("highlevel.validate", err))
	}
	return nil
}

type hlContact struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Company   string `json:"companyName"`
}

func (c hlContact) contact() integration.Contact {
	return integration.Contact{
		Ref: integration.ProviderRef(c.ID),
		ContactData: integration.ContactData{
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Email:     c.Email,
			Phone:     c.Phone,
			Company:   c.Company,
		},
	}
}

func (h *HighLevel) contactBody(data integration.ContactData) map[string]any {
	body := map[string]any{
		"firstName":   data.FirstName,
		"lastName":    data.LastName,
		"email":       data.Email,
		"phone":       data.Phone,
		"companyName": data.Company,
		"address1":    data.Address.Street,
		"city":        data.Address.City,
		"state":       data.Address.State,
		"postalCode":  data.Address.PostalCode,
		"country":     data.Address.Country,
	}
	if len(data.CustomFields) > 0 {
		fields := make([]map[string]any, 0, len(data.CustomFields))
		keys := make([]string, 0, len(data.CustomFields))
		for k := range data.CustomFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, map[string]any{"id": k, "field_value": data.CustomFields[k]})
		}
		body["customFields"] = fields
	}
	return integration.Compact(body)
}

func (h *HighLevel) CreateContact(ctx context.Context, data integration.ContactData) (integration.Contact, error) {
	const op = "highlevel.create_contact"
	body := h.contactBody(data)
	body["locationId"] = h.locationID
	body["source"] = "AI Receptionist"
	var resp struct {
		Contact hlContact `json:"contact"`
	}
	if err := h.api.post(ctx, "/contacts/", body, &resp); err != nil {
		return integration.Contact{}, h.Fail(op, classify(op, err))
	}
	c := resp.Contact.contact()
	c.ContactData = data
	return c, nil
}

func (h *HighLevel) UpdateContact(ctx context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	const op = "highlevel.update_contact"
	if err := h.requireRecord(op, ref); err != nil {
		return integration.Contact{}, err
	}
	if err := h.api.put(ctx, "/contacts/"+url.PathEscape(ref.ID), h.contactBody(data), nil); err != nil {
		return integration.Contact{}, h.Fail(op, classify(op, err))
	}
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

// FindContact uses the duplicate-search endpoint, by email first and then by
// the digits of the phone number.
func (h *HighLevel) FindContact(ctx context.Context, data integration.ContactData) (*integration.Contact, error) {
	const op = "highlevel.find_contact"
	var lookups []url.Values
	if email := integration.NormalizeEmail(data.Email); email != "" {
		lookups = append(lookups, url.Values{"locationId": {h.locationID}, "email": {email}})
	}
	if digits := integration.DigitsOnly(data.Phone); digits != "" {
		lookups = append(lookups, url.Values{"locationId": {h.locationID}, "number": {digits}})
	}
	for _, q := range lookups {
		var resp struct {
			Contact *hlContact `json:"contact"`
		}
		if err := h.api.get(ctx, "/contacts/search/duplicate", q, &resp); err != nil {
			return nil, h.Fail(op, classify(op, err))
		}
		if resp.Contact != nil && resp.Contact.ID != "" {
			c := resp.Contact.contact()
			return &c, nil
		}
	}
	return nil, nil
}

func (h *HighLevel) requireRecord(op string, ref integration.ContactRef) error {
	if ref.IsZero() || ref.IsSynthetic() {
		return h.Fail(op, integration.Errorf(integration.CodeContact, op, "not a highlevel contact: %s", ref))
	}
	return nil
}

func (h *HighLevel) AddNote(ctx context.Context, note integration.NoteData) (integration.Note, error) {
	const op = "highlevel.add_note"
	if err := h.requireRecord(op, note.Contact); err != nil {
		return integration.Note{}, err
	}
	text := note.Body + attachmentLines(note.Attachments)
	if note.Subject != "" {
		text = note.Subject + "\n\n" + text
	}
	var resp struct {
		Note struct {
			ID string `json:"id"`
		} `json:"note"`
	}
	if err := h.api.post(ctx, "/contacts/"+url.PathEscape(note.Contact.ID)+"/notes", map[string]any{"body": text}, &resp); err != nil {
		return integration.Note{}, h.Fail(op, classify(op, err))
	}
	return integration.Note{ID: resp.Note.ID, Contact: note.Contact}, nil
}

// CheckAvailability asks the calendar's free-slots endpoint and keeps the
// slots inside the connection's business hours. When that fails
// it lists the calendar's events and subtracts them from the business-hours
// grid. If the listing fails too, the whole grid is returned and no error is
// reported.
func (h *HighLevel) CheckAvailability(ctx context.Context, q integration.AvailabilityQuery) ([]integration.TimeSlot, error) {
	const op = "highlevel.check_availability"
	if h.calendarID == "" {
		return nil, h.Fail(op, integration.Errorf(integration.CodeConfig, op, "calendar_id is not configured"))
	}
	conn := h.Connection()
	bh := integration.BusinessHoursFromConfig(&conn)
	if q.DurationMinutes > 0 {
		bh.SlotMinutes = q.DurationMinutes
	}
	loc := integration.Location(q.Timezone)

	slots, err := h.freeSlots(ctx, q, loc, time.Duration(bh.SlotMinutes)*time.Minute)
	if err == nil {
		return bh.ClipToBusinessHours(slots, loc), nil
	}
	h.Logger().Warn("free-slots lookup failed, falling back to events", "error", err)

	grid := bh.Grid(q.From, q.To, loc)
	busy, err := h.bookedEvents(ctx, q)
	if err != nil {
		h.Logger().Warn("events lookup failed, offering full business hours", "error", err)
		return grid, nil
	}
	return integration.SubtractBusy(grid, busy), nil
}

func (h *HighLevel) freeSlots(ctx context.Context, q integration.AvailabilityQuery, loc *time.Location, length time.Duration) ([]integration.TimeSlot, error) {
	query := url.Values{
		"startDate": {strconv.FormatInt(q.From.UnixMilli(), 10)},
		"endDate":   {strconv.FormatInt(q.To.UnixMilli(), 10)},
		"timezone":  {loc.String()},
	}
	// Keyed by date; non-date keys such as traceId are skipped.
	var resp map[string]json.RawMessage
	if err := h.api.get(ctx, "/calendars/"+url.PathEscape(h.calendarID)+"/free-slots", query, &resp); err != nil {
		return nil, err
	}
	var slots []integration.TimeSlot
	for key, raw := range resp {
		if _, err := time.Parse("2006-01-02", key); err != nil {
			continue
		}
		var day struct {
			Slots []string `json:"slots"`
		}
		if err := json.Unmarshal(raw, &day); err != nil {
			return nil, err
		}
		for _, s := range day.Slots {
			start, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, err
			}
			slots = append(slots, integration.TimeSlot{Start: start, End: start.Add(length)})
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots, nil
}

// hlTime accepts the RFC 3339 strings and epoch milliseconds HighLevel uses
// interchangeably for event times.
type hlTime struct{ time.Time }

func (t *hlTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (h *HighLevel) bookedEvents(ctx context.Context, q integration.AvailabilityQuery) ([]integration.TimeSlot, error) {
	query := url.Values{
		"locationId": {h.locationID},
		"calendarId": {h.calendarID},
		"startTime":  {strconv.FormatInt(q.From.UnixMilli(), 10)},
		"endTime":    {strconv.FormatInt(q.To.UnixMilli(), 10)},
	}
	var resp struct {
		Events []struct {
			StartTime hlTime `json:"startTime"`
			EndTime   hlTime `json:"endTime"`
			Status    string `json:"appointmentStatus"`
		} `json:"events"`
	}
	if err := h.api.get(ctx, "/calendars/events", query, &resp); err != nil {
		return nil, err
	}
	busy := make([]integration.TimeSlot, 0, len(resp.Events))
	for _, e := range resp.Events {
		if e.Status == "cancelled" {
			continue
		}
		busy = append(busy, integration.TimeSlot{Start: e.StartTime.Time, End: e.EndTime.Time})
	}
	return busy, nil
}

func (h *HighLevel) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "highlevel.book_appointment"
	if h.calendarID == "" {
		return integration.Appointment{}, h.Fail(op, integration.Errorf(integration.CodeConfig, op, "calendar_id is not configured"))
	}
	if err := h.requireRecord(op, appt.Contact); err != nil {
		return integration.Appointment{}, err
	}
	start, err := appt.Start()
	if err != nil {
		return integration.Appointment{}, h.Fail(op, err)
	}
	end := start.Add(appt.Duration())
	title := appt.Title
	if title == "" {
		title = "Appointment"
	}
	body := integration.Compact(map[string]any{
		"calendarId":        h.calendarID,
		"locationId":        h.locationID,
		"contactId":         appt.Contact.ID,
		"startTime":         start.Format(time.RFC3339),
		"endTime":           end.Format(time.RFC3339),
		"title":             title,
		"appointmentStatus": "confirmed",
		"address":           appt.Location,
		"notes":             appt.Notes,
	})
	var resp struct {
		ID string `json:"id"`
	}
	if err := h.api.post(ctx, "/calendars/events/appointments", body, &resp); err != nil {
		return integration.Appointment{}, h.Fail(op, classify(op, err))
	}
	return integration.Appointment{ID: resp.ID, Contact: appt.Contact, Start: start, End: end, Title: title}, nil
}

func (h *HighLevel) TriggerWorkflow(ctx context.Context, trig integration.WorkflowTrigger) error {
	const op = "highlevel.trigger_workflow"
	if trig.WorkflowID == "" {
		return h.Fail(op, integration.Errorf(integration.CodeConfig, op, "workflow id is required"))
	}
	if err := h.requireRecord(op, trig.Contact); err != nil {
		return err
	}
	path := "/contacts/" + url.PathEscape(trig.Contact.ID) + "/workflow/" + url.PathEscape(trig.WorkflowID)
	body := map[string]any{"eventStartTime": time.Now().UTC().Format(time.RFC3339)}
	if err := h.api.post(ctx, path, body, nil); err != nil {
		return h.Fail(op, classify(op, err))
	}
	return nil
}
