package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kalambet/callbridge/internal/integration"
)

func newTestHighLevel(t *testing.T, fp *fakeProvider, cfg map[string]any) integration.Integration {
	t.Helper()
	conn := validConnection(integration.ProviderHighLevel)
	conn.Config["calendar_id"] = "cal-1"
	for k, v := range cfg {
		conn.Config[k] = v
	}
	return mustCreate(t, testFactory(integration.ProviderHighLevel, fp.srv.URL), conn)
}

var hlMonday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func hlQuery() integration.AvailabilityQuery {
	return integration.AvailabilityQuery{From: hlMonday, To: hlMonday.Add(24 * time.Hour), Timezone: "UTC"}
}

func TestHighLevel_AvailabilityFromFreeSlots(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("GET /calendars/cal-1/free-slots", 200, map[string]any{
		"2026-03-02": map[string]any{"slots": []string{"2026-03-02T10:00:00Z", "2026-03-02T09:00:00Z"}},
		"traceId":    "abc",
	})
	h := newTestHighLevel(t, fp, nil)

	slots, err := h.CheckAvailability(context.Background(), hlQuery())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("slots = %v, want 2", slots)
	}
	if !slots[0].Start.Equal(hlMonday.Add(9*time.Hour)) || slots[0].End.Sub(slots[0].Start) != 30*time.Minute {
		t.Errorf("first slot = %+v", slots[0])
	}
	if len(fp.requests(http.MethodGet, "/calendars/events")) != 0 {
		t.Error("events endpoint should not be consulted when free-slots works")
	}
}

func TestHighLevel_FreeSlotsKeptInsideBusinessHours(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("GET /calendars/cal-1/free-slots", 200, map[string]any{
		"2026-03-02": map[string]any{"slots": []string{"2026-03-02T06:00:00Z", "2026-03-02T11:00:00Z", "2026-03-02T16:45:00Z"}},
	})
	h := newTestHighLevel(t, fp, nil)

	slots, err := h.CheckAvailability(context.Background(), hlQuery())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if len(slots) != 1 || !slots[0].Start.Equal(hlMonday.Add(11*time.Hour)) {
		t.Errorf("slots = %v, want only the 11:00 slot", slots)
	}
}

func TestHighLevel_AvailabilityFallsBackToEvents(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("GET /calendars/cal-1/free-slots", 500, map[string]string{"message": "boom"})
	fp.json("GET /calendars/events", 200, map[string]any{"events": []map[string]any{
		{"startTime": "2026-03-02T09:00:00Z", "endTime": "2026-03-02T10:00:00Z", "appointmentStatus": "confirmed"},
		{"startTime": hlMonday.Add(12 * time.Hour).UnixMilli(), "endTime": hlMonday.Add(13 * time.Hour).UnixMilli()},
		{"startTime": "2026-03-02T15:00:00Z", "endTime": "2026-03-02T16:00:00Z", "appointmentStatus": "cancelled"},
	}})
	h := newTestHighLevel(t, fp, nil)

	slots, err := h.CheckAvailability(context.Background(), hlQuery())
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	// 16 half-hour slots minus two booked hours.
	if len(slots) != 12 {
		t.Fatalf("got %d slots, want 12", len(slots))
	}
	for _, s := range slots {
		if s.Start.Hour() == 9 || s.Start.Hour() == 12 {
			t.Errorf("slot %v overlaps a booking", s.Start)
		}
	}
	evq := fp.requests(http.MethodGet, "/calendars/events")[0].Query
	if evq["calendarId"][0] != "cal-1" || evq["locationId"][0] != "loc-1" {
		t.Errorf("events query = %v", evq)
	}
}

func TestHighLevel_AvailabilityFullGridWhenEverythingFails(t *testing.T) {
	fp := newFakeProvider(t)
	h := newTestHighLevel(t, fp, map[string]any{"business_start_hour": float64(8), "business_end_hour": float64(12), "slot_duration": float64(60)})

	slots, err := h.CheckAvailability(context.Background(), hlQuery())
	if err != nil {
		t.Fatalf("CheckAvailability returned error %v, want full grid", err)
	}
	if len(slots) != 4 {
		t.Errorf("got %d slots, want 4 hourly slots", len(slots))
	}
}

func TestHighLevel_AvailabilityNeedsCalendar(t *testing.T) {
	fp := newFakeProvider(t)
	conn := validConnection(integration.ProviderHighLevel)
	h := mustCreate(t, testFactory(integration.ProviderHighLevel, fp.srv.URL), conn)

	_, err := h.CheckAvailability(context.Background(), hlQuery())
	if integration.CodeOf(err) != integration.CodeConfig {
		t.Errorf("code = %q, want CONFIG_ERROR", integration.CodeOf(err))
	}
}

func TestHighLevel_AvailabilityNeverOffersBookedTime(t *testing.T) {
	var (
		mu     sync.Mutex
		events []map[string]any
	)
	fp := newFakeProvider(t)
	fp.json("GET /calendars/cal-1/free-slots", 503, nil)
	fp.handle("GET /calendars/events", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"events": events})
	})
	h := newTestHighLevel(t, fp, nil)
	grid := integration.DefaultBusinessHours.Grid(hlQuery().From, hlQuery().To, time.UTC)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(rt, "bookings")
		var busy []integration.TimeSlot
		mu.Lock()
		events = events[:0]
		for i := 0; i < n; i++ {
			start := hlMonday.Add(time.Duration(rapid.IntRange(0, 24*60-15).Draw(rt, "start")) * time.Minute)
			end := start.Add(time.Duration(rapid.IntRange(15, 180).Draw(rt, "minutes")) * time.Minute)
			busy = append(busy, integration.TimeSlot{Start: start, End: end})
			events = append(events, map[string]any{"startTime": start.Format(time.RFC3339), "endTime": end.Format(time.RFC3339)})
		}
		mu.Unlock()

		slots, err := h.CheckAvailability(context.Background(), hlQuery())
		if err != nil {
			rt.Fatalf("CheckAvailability: %v", err)
		}
		if len(slots) > len(grid) {
			rt.Fatalf("%d slots exceed the %d-slot grid", len(slots), len(grid))
		}
		for _, s := range slots {
			if s.Start.Hour() < 9 || s.End.After(hlMonday.Add(17*time.Hour)) {
				rt.Fatalf("slot %v outside business hours", s)
			}
			for _, b := range busy {
				if s.Overlaps(b) {
					rt.Fatalf("slot %v overlaps booking %v", s, b)
				}
			}
		}
	})
}

func TestHighLevel_FindContactUsesDigits(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("GET /contacts/search/duplicate", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("number") == "15551234567" {
			json.NewEncoder(w).Encode(map[string]any{"contact": map[string]any{"id": "c-9", "firstName": "Ada"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"contact": nil})
	})
	h := newTestHighLevel(t, fp, nil)

	got, err := h.FindContact(context.Background(), integration.ContactData{Email: "Ada@Example.com ", Phone: "+1 (555) 123-4567"})
	if err != nil {
		t.Fatalf("FindContact: %v", err)
	}
	if got == nil || got.Ref.ID != "c-9" {
		t.Fatalf("got %+v, want c-9", got)
	}
	reqs := fp.requests(http.MethodGet, "/contacts/search/duplicate")
	if len(reqs) != 2 || reqs[0].Query["email"][0] != "ada@example.com" {
		t.Errorf("lookups = %+v", reqs)
	}
	if reqs[0].Header.Get("Version") != highLevelVersion {
		t.Errorf("Version header = %q", reqs[0].Header.Get("Version"))
	}
}

func TestHighLevel_CreateContactCompactsPayload(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("POST /contacts/", 201, map[string]any{"contact": map[string]any{"id": "new-1"}})
	h := newTestHighLevel(t, fp, nil)

	c, err := h.CreateContact(context.Background(), integration.ContactData{FirstName: "Ada", Phone: "5551234567"})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	if c.Ref != integration.ProviderRef("new-1") {
		t.Errorf("ref = %v", c.Ref)
	}
	body := fp.requests(http.MethodPost, "/contacts/")[0].json(t)
	for _, absent := range []string{"email", "lastName", "address1", "companyName"} {
		if _, ok := body[absent]; ok {
			t.Errorf("payload contains empty %q: %v", absent, body)
		}
	}
	if body["locationId"] != "loc-1" {
		t.Errorf("locationId = %v", body["locationId"])
	}
}

func TestHighLevel_BookAndTriggerWorkflow(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("POST /calendars/events/appointments", 200, map[string]string{"id": "appt-1"})
	fp.json("POST /contacts/c-1/workflow/wf-7", 200, map[string]any{})
	h := newTestHighLevel(t, fp, nil)
	ref := integration.ProviderRef("c-1")

	appt, err := h.BookAppointment(context.Background(), integration.AppointmentData{
		Contact: ref, Date: "2026-03-05", Time: "14:30", Timezone: "America/New_York", DurationMinutes: 45,
	})
	if err != nil {
		t.Fatalf("BookAppointment: %v", err)
	}
	if appt.ID != "appt-1" || appt.End.Sub(appt.Start) != 45*time.Minute {
		t.Errorf("appointment = %+v", appt)
	}
	body := fp.requests(http.MethodPost, "/calendars/events/appointments")[0].json(t)
	if body["startTime"] != "2026-03-05T14:30:00-05:00" || body["contactId"] != "c-1" {
		t.Errorf("booking body = %v", body)
	}

	if err := h.TriggerWorkflow(context.Background(), integration.WorkflowTrigger{WorkflowID: "wf-7", Contact: ref}); err != nil {
		t.Fatalf("TriggerWorkflow: %v", err)
	}
	err = h.TriggerWorkflow(context.Background(), integration.WorkflowTrigger{Contact: ref})
	if integration.CodeOf(err) != integration.CodeConfig {
		t.Errorf("missing workflow id code = %q", integration.CodeOf(err))
	}
}

func TestHighLevel_UnauthorizedIsAuthError(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("GET /locations/loc-1", 401, map[string]string{"message": "invalid key"})
	h := newTestHighLevel(t, fp, nil)

	err := h.ValidateConnection(context.Background())
	if integration.CodeOf(err) != integration.CodeAuth {
		t.Errorf("code = %q, want AUTH_ERROR", integration.CodeOf(err))
	}
}
