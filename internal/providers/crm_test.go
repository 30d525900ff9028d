package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

const sfPrefix = "/services/data/" + salesforceAPIVersion

func newTestSalesforce(t *testing.T, fp *fakeProvider, objectType string) integration.Integration {
	t.Helper()
	conn := validConnection(integration.ProviderSalesforce)
	if objectType != "" {
		conn.Config["object_type"] = objectType
	}
	return mustCreate(t, testFactory(integration.ProviderSalesforce, fp.srv.URL), conn)
}

func TestSalesforce_ObjectTypeUsedEverywhere(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("GET "+sfPrefix+"/query", 200, map[string]any{"records": []any{}})
	fp.json("GET "+sfPrefix+"/search", 200, map[string]any{"searchRecords": []any{}})
	fp.json("POST "+sfPrefix+"/sobjects/Contact", 201, map[string]any{"id": "003A", "success": true})
	sf := newTestSalesforce(t, fp, "contact")

	data := integration.ContactData{FirstName: "Ada", Email: "ada@example.com", Phone: "(555) 123-4567", Address: integration.Address{City: "Boston"}}
	c, created, err := integration.GetOrCreateContact(context.Background(), sf, data)
	if err != nil {
		t.Fatalf("GetOrCreateContact: %v", err)
	}
	if !created || c.Ref.ID != "003A" {
		t.Errorf("contact = %+v created=%v", c, created)
	}

	q := fp.requests(http.MethodGet, sfPrefix+"/query")[0].Query["q"][0]
	if !strings.Contains(q, "FROM Contact") || !strings.Contains(q, "'ada@example.com'") {
		t.Errorf("SOQL = %q", q)
	}
	sosl := fp.requests(http.MethodGet, sfPrefix+"/search")[0].Query["q"][0]
	if sosl != "FIND {5551234567} IN PHONE FIELDS RETURNING Contact(Id, FirstName, LastName, Email, Phone) LIMIT 1" {
		t.Errorf("SOSL = %q", sosl)
	}
	body := fp.requests(http.MethodPost, sfPrefix+"/sobjects/Contact")[0].json(t)
	if body["MailingCity"] != "Boston" || body["LastName"] != "Unknown" {
		t.Errorf("contact body = %v", body)
	}
	if _, ok := body["Company"]; ok {
		t.Error("Company must only be sent for leads")
	}
}

func TestSalesforce_LeadDefaults(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("POST "+sfPrefix+"/sobjects/Lead", 201, map[string]any{"id": "00QA", "success": true})
	sf := newTestSalesforce(t, fp, "")

	if _, err := sf.CreateContact(context.Background(), integration.ContactData{Phone: "555"}); err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	body := fp.requests(http.MethodPost, sfPrefix+"/sobjects/Lead")[0].json(t)
	if body["Company"] != "Unknown" || body["LastName"] != "555" {
		t.Errorf("lead body = %v", body)
	}
}

func TestSalesforce_NoteAndEvent(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("POST "+sfPrefix+"/sobjects/Task", 201, map[string]any{"id": "00T1"})
	fp.json("POST "+sfPrefix+"/sobjects/Event", 201, map[string]any{"id": "00U1"})
	sf := newTestSalesforce(t, fp, "")
	ref := integration.ProviderRef("00QA")

	note, err := sf.AddNote(context.Background(), integration.NoteData{
		Contact:     ref,
		Subject:     "Inbound call",
		Body:        "Caller asked about pricing.",
		Timestamp:   time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		Attachments: []integration.Attachment{{URL: "https://rec.example.com/1.mp3", Filename: "recording.mp3"}},
	})
	if err != nil || note.ID != "00T1" {
		t.Fatalf("AddNote = %+v, %v", note, err)
	}
	task := fp.requests(http.MethodPost, sfPrefix+"/sobjects/Task")[0].json(t)
	if task["WhoId"] != "00QA" || task["ActivityDate"] != "2026-03-02" || task["Status"] != "Completed" {
		t.Errorf("task = %v", task)
	}
	if !strings.Contains(task["Description"].(string), "recording.mp3: https://rec.example.com/1.mp3") {
		t.Errorf("task description = %q", task["Description"])
	}

	appt, err := sf.BookAppointment(context.Background(), integration.AppointmentData{Contact: ref, Date: "2026-03-04", Time: "10:00", DurationMinutes: 60})
	if err != nil || appt.ID != "00U1" {
		t.Fatalf("BookAppointment = %+v, %v", appt, err)
	}
	ev := fp.requests(http.MethodPost, sfPrefix+"/sobjects/Event")[0].json(t)
	if ev["StartDateTime"] != "2026-03-04T10:00:00Z" || ev["EndDateTime"] != "2026-03-04T11:00:00Z" {
		t.Errorf("event = %v", ev)
	}
}

func TestSalesforce_RejectsSyntheticRef(t *testing.T) {
	sf := newTestSalesforce(t, newFakeProvider(t), "")
	_, err := sf.AddNote(context.Background(), integration.NoteData{Contact: integration.SyntheticRef("gcal:email:a@b.c")})
	if integration.CodeOf(err) != integration.CodeContact {
		t.Errorf("code = %q, want CONTACT_ERROR", integration.CodeOf(err))
	}
}

func TestHubSpot_LeadsObjectType(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("POST /crm/v3/objects/leads/search", 200, map[string]any{"total": 0, "results": []any{}})
	fp.json("POST /crm/v3/objects/leads", 201, map[string]any{"id": "L1"})
	fp.json("POST /crm/v3/objects/notes", 201, map[string]any{"id": "N1"})
	fp.json("PUT /crm/v4/objects/notes/N1/associations/default/leads/L1", 200, map[string]any{})
	conn := validConnection(integration.ProviderHubSpot)
	conn.Config["object_type"] = "leads"
	hs := mustCreate(t, testFactory(integration.ProviderHubSpot, fp.srv.URL), conn)

	c, created, err := integration.GetOrCreateContact(context.Background(), hs, integration.ContactData{FirstName: "Ada", Phone: "+1 555-123-4567"})
	if err != nil || !created || c.Ref.ID != "L1" {
		t.Fatalf("GetOrCreateContact = %+v, %v, %v", c, created, err)
	}
	search := fp.requests(http.MethodPost, "/crm/v3/objects/leads/search")[0]
	if !strings.Contains(string(search.Body), `"value":"*15551234567"`) {
		t.Errorf("search body = %s", search.Body)
	}
	if search.Header.Get("Authorization") != "Bearer at" {
		t.Errorf("Authorization = %q", search.Header.Get("Authorization"))
	}
	props := fp.requests(http.MethodPost, "/crm/v3/objects/leads")[0].json(t)["properties"].(map[string]any)
	if _, ok := props["email"]; ok {
		t.Errorf("empty email sent: %v", props)
	}

	if _, err := hs.AddNote(context.Background(), integration.NoteData{Contact: c.Ref, Body: "hello"}); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	if n := len(fp.requests(http.MethodPut, "/crm/v4/objects/notes/N1/associations/default/leads/L1")); n != 1 {
		t.Errorf("association requests = %d", n)
	}
}

func TestHubSpot_FindExisting(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("POST /crm/v3/objects/contacts/search", 200, map[string]any{"total": 1, "results": []map[string]any{
		{"id": "101", "properties": map[string]string{"firstname": "Ada", "email": "ada@example.com"}},
	}})
	hs := mustCreate(t, testFactory(integration.ProviderHubSpot, fp.srv.URL), validConnection(integration.ProviderHubSpot))

	c, created, err := integration.GetOrCreateContact(context.Background(), hs, integration.ContactData{Email: "ada@example.com"})
	if err != nil || created || c.Ref.ID != "101" {
		t.Fatalf("GetOrCreateContact = %+v, %v, %v", c, created, err)
	}
	if len(fp.requests(http.MethodPost, "/crm/v3/objects/contacts")) != 0 {
		t.Error("existing contact must not be recreated")
	}
}

func TestHubSpot_ExpiredTokenIsAuthError(t *testing.T) {
	fp := newFakeProvider(t)
	fp.json("POST /crm/v3/objects/contacts/search", 401, map[string]string{"message": "expired"})
	hs := mustCreate(t, testFactory(integration.ProviderHubSpot, fp.srv.URL), validConnection(integration.ProviderHubSpot))

	_, err := hs.FindContact(context.Background(), integration.ContactData{Email: "a@b.c"})
	if integration.CodeOf(err) != integration.CodeAuth {
		t.Errorf("code = %q, want AUTH_ERROR", integration.CodeOf(err))
	}
}

func TestHousecallPro_CustomerFlow(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("GET /customers", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]any{"customers": []any{}})
	})
	fp.json("POST /customers", 201, map[string]any{"id": "cus_1"})
	fp.json("POST /customers/cus_1/notes", 201, map[string]any{"id": "note_1"})
	fp.json("POST /estimates", 201, map[string]any{"id": "est_1"})
	hcp := mustCreate(t, testFactory(integration.ProviderHousecallPro, fp.srv.URL), validConnection(integration.ProviderHousecallPro))

	data := integration.ContactData{FirstName: "Bo", Email: "BO@x.io", Phone: "555.222.3333", Address: integration.Address{Street: "1 Main"}}
	c, created, err := integration.GetOrCreateContact(context.Background(), hcp, data)
	if err != nil || !created || c.Ref.ID != "cus_1" {
		t.Fatalf("GetOrCreateContact = %+v, %v, %v", c, created, err)
	}
	lookups := fp.requests(http.MethodGet, "/customers")
	if len(lookups) != 2 || lookups[0].Query["q"][0] != "bo@x.io" || lookups[1].Query["q"][0] != "5552223333" {
		t.Errorf("lookups = %+v", lookups)
	}
	body := fp.requests(http.MethodPost, "/customers")[0].json(t)
	if body["mobile_number"] != "5552223333" || body["notifications_enabled"] != false {
		t.Errorf("customer body = %v", body)
	}

	if _, err := hcp.AddNote(context.Background(), integration.NoteData{Contact: c.Ref, Subject: "Call", Body: "x"}); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	appt, err := hcp.BookAppointment(context.Background(), integration.AppointmentData{Contact: c.Ref, Date: "2026-03-04", Time: "09:00", ServiceType: "Repair"})
	if err != nil || appt.ID != "est_1" {
		t.Fatalf("BookAppointment = %+v, %v", appt, err)
	}
	est := fp.requests(http.MethodPost, "/estimates")[0].json(t)
	if !strings.HasPrefix(est["note"].(string), "Service: Repair") {
		t.Errorf("estimate = %v", est)
	}
}

func TestStripe_BookingNotSupported(t *testing.T) {
	st := mustCreate(t, testFactory(integration.ProviderStripe, "http://127.0.0.1:0"), validConnection(integration.ProviderStripe))

	_, err := st.BookAppointment(context.Background(), integration.AppointmentData{Date: "2026-03-04", Time: "09:00"})
	if !integration.IsNotSupported(err) {
		t.Fatalf("err = %v, want NOT_SUPPORTED", err)
	}
	env := integration.RespondErr(err)
	if env.Success || env.ErrorCode != integration.CodeNotSupported {
		t.Errorf("envelope = %+v", env)
	}
	if _, err := st.CheckAvailability(context.Background(), integration.AvailabilityQuery{}); !integration.IsNotSupported(err) {
		t.Errorf("CheckAvailability err = %v", err)
	}
}

func TestStripe_SearchAndMetadataNote(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("GET /customers/search", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Query().Get("query"), "phone~") {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "cus_9", "name": "Ada Lovelace"}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	fp.handle("POST /customers/cus_9", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "cus_9"})
	})
	st := mustCreate(t, testFactory(integration.ProviderStripe, fp.srv.URL), validConnection(integration.ProviderStripe))

	found, err := st.FindContact(context.Background(), integration.ContactData{Email: "ada@example.com", Phone: "+1 (555) 000-1111"})
	if err != nil || found == nil || found.Ref.ID != "cus_9" || found.LastName != "Lovelace" {
		t.Fatalf("FindContact = %+v, %v", found, err)
	}
	searches := fp.requests(http.MethodGet, "/customers/search")
	if searches[0].Query["query"][0] != "email:'ada@example.com'" || searches[1].Query["query"][0] != "phone~'15550001111'" {
		t.Errorf("queries = %v / %v", searches[0].Query, searches[1].Query)
	}

	long := strings.Repeat("é", 400)
	if _, err := st.AddNote(context.Background(), integration.NoteData{Contact: found.Ref, Body: long}); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	form, _ := url.ParseQuery(string(fp.requests(http.MethodPost, "/customers/cus_9")[0].Body))
	note := form.Get("metadata[last_call_note]")
	if len(note) > stripeMetadataMax || !strings.HasSuffix(note, "...") {
		t.Errorf("note length %d, suffix %q", len(note), note[len(note)-3:])
	}
	if form.Get("metadata[last_call_at]") == "" {
		t.Error("last_call_at not set")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 2); got != "h" {
		t.Errorf("truncate = %q, want rune boundary cut", got)
	}
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
