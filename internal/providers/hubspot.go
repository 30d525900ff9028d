package providers

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
)

const hubspotBaseURL = "https://api.hubapi.com"

var hubspotProperties = []string{"firstname", "lastname", "email", "phone", "company"}

// HubSpot stores callers as contacts or leads, chosen by object_type, and
// associates notes and meetings with that object.
type HubSpot struct {
	integration.Base
	api        *restClient
	objectType string
	reg        *oauth.Registry
}

func newHubSpot(conn integration.Connection, e env) (*HubSpot, error) {
	objectType := conn.ConfigString("object_type")
	switch objectType {
	case "":
		objectType = "contacts"
	case "contacts", "leads":
	default:
		return nil, configError(conn.Provider, "object_type must be contacts or leads")
	}
	h := &HubSpot{Base: integration.NewBase(conn, e.limiter), objectType: objectType, reg: e.oauth}
	h.SetLogger(e.logger)
	h.api = newRESTClient(orDefault(e.baseURL, hubspotBaseURL), e.httpClient, bearer(h.AccessToken))
	h.api.throttle = h.Throttle
	return h, nil
}

func (h *HubSpot) Type() integration.ProviderType { return integration.ProviderHubSpot }
func (h *HubSpot) Name() string                    { return "HubSpot" }

func (h *HubSpot) RefreshOAuthToken(ctx context.Context) (integration.TokenSnapshot, error) {
	return refreshVia(ctx, h.reg, &h.Base)
}

func (h *HubSpot) objectsPath() string { return "/crm/v3/objects/" + h.objectType }

func (h *HubSpot) ValidateConnection(ctx context.Context) error {
	if err := h.api.get(ctx, h.objectsPath(), url.Values{"limit": {"1"}}, nil); err != nil {
		return h.Fail("hubspot.validate", classify("hubspot.validate", err))
	}
	return nil
}

func hubspotProps(data integration.ContactData) map[string]any {
	props := map[string]any{
		"firstname": data.FirstName,
		"lastname":  data.LastName,
		"email":     data.Email,
		"phone":     data.Phone,
		"company":   data.Company,
		"address":   data.Address.Street,
		"city":      data.Address.City,
		"state":     data.Address.State,
		"zip":       data.Address.PostalCode,
		"country":   data.Address.Country,
	}
	for k, v := range data.CustomFields {
		props[k] = v
	}
	return integration.Compact(props)
}

type hubspotObject struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

func (o hubspotObject) contact() *integration.Contact {
	return &integration.Contact{
		Ref: integration.ProviderRef(o.ID),
		ContactData: integration.ContactData{
			FirstName: o.Properties["firstname"],
			LastName:  o.Properties["lastname"],
			Email:     o.Properties["email"],
			Phone:     o.Properties["phone"],
			Company:   o.Properties["company"],
		},
	}
}

func (h *HubSpot) CreateContact(ctx context.Context, data integration.ContactData) (integration.Contact, error) {
	const op = "hubspot.create_contact"
	var obj hubspotObject
	body := map[string]any{"properties": hubspotProps(data)}
	if err := h.api.post(ctx, h.objectsPath(), body, &obj); err != nil {
		return integration.Contact{}, h.Fail(op, classify(op, err))
	}
	return integration.Contact{Ref: integration.ProviderRef(obj.ID), ContactData: data}, nil
}

func (h *HubSpot) UpdateContact(ctx context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	const op = "hubspot.update_contact"
	if ref.IsZero() || ref.IsSynthetic() {
		return integration.Contact{}, h.Fail(op, integration.Errorf(integration.CodeContact, op, "not a hubspot record: %s", ref))
	}
	body := map[string]any{"properties": hubspotProps(data)}
	if err := h.api.patch(ctx, h.objectsPath()+"/"+url.PathEscape(ref.ID), body, nil); err != nil {
		return integration.Contact{}, h.Fail(op, classify(op, err))
	}
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

// FindContact searches by exact email or by the digits of the phone number.
// Filter groups are ORed by HubSpot.
func (h *HubSpot) FindContact(ctx context.Context, data integration.ContactData) (*integration.Contact, error) {
	const op = "hubspot.find_contact"
	var groups []map[string]any
	if email := integration.NormalizeEmail(data.Email); email != "" {
		groups = append(groups, map[string]any{"filters": []map[string]any{
			{"propertyName": "email", "operator": "EQ", "value": email},
		}})
	}
	if digits := integration.DigitsOnly(data.Phone); digits != "" {
		groups = append(groups, map[string]any{"filters": []map[string]any{
			{"propertyName": "phone", "operator": "CONTAINS_TOKEN", "value": "*" + digits},
		}})
	}
	if len(groups) == 0 {
		return nil, nil
	}

	var resp struct {
		Total   int             `json:"total"`
		Results []hubspotObject `json:"results"`
	}
	body := map[string]any{
		"filterGroups": groups,
		"properties":   hubspotProperties,
		"limit":        1,
	}
	if err := h.api.post(ctx, h.objectsPath()+"/search", body, &resp); err != nil {
		return nil, h.Fail(op, classify(op, err))
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return resp.Results[0].contact(), nil
}

// associate links an engagement to the configured object using HubSpot's
// default association type.
func (h *HubSpot) associate(ctx context.Context, fromType, fromID, toID string) error {
	path := "/crm/v4/objects/" + fromType + "/" + url.PathEscape(fromID) +
		"/associations/default/" + h.objectType + "/" + url.PathEscape(toID)
	return h.api.put(ctx, path, nil, nil)
}

func (h *HubSpot) requireRecord(op string, ref integration.ContactRef) error {
	if ref.IsZero() || ref.IsSynthetic() {
		return h.Fail(op, integration.Errorf(integration.CodeContact, op, "not a hubspot record: %s", ref))
	}
	return nil
}

func (h *HubSpot) AddNote(ctx context.Context, note integration.NoteData) (integration.Note, error) {
	const op = "hubspot.add_note"
	if err := h.requireRecord(op, note.Contact); err != nil {
		return integration.Note{}, err
	}
	at := note.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	text := note.Body + attachmentLines(note.Attachments)
	if note.Subject != "" {
		text = note.Subject + "\n\n" + text
	}
	var obj hubspotObject
	body := map[string]any{"properties": integration.Compact(map[string]any{
		"hs_note_body": text,
		"hs_timestamp": strconv.FormatInt(at.UnixMilli(), 10),
	})}
	if err := h.api.post(ctx, "/crm/v3/objects/notes", body, &obj); err != nil {
		return integration.Note{}, h.Fail(op, classify(op, err))
	}
	if err := h.associate(ctx, "notes", obj.ID, note.Contact.ID); err != nil {
		return integration.Note{ID: obj.ID, Contact: note.Contact}, h.Fail(op, classify(op, err))
	}
	return integration.Note{ID: obj.ID, Contact: note.Contact}, nil
}

func (h *HubSpot) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "hubspot.book_appointment"
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
	var obj hubspotObject
	body := map[string]any{"properties": integration.Compact(map[string]any{
		"hs_timestamp":          start.UTC().Format(time.RFC3339),
		"hs_meeting_title":      title,
		"hs_meeting_body":       appt.Notes,
		"hs_meeting_start_time": start.UTC().Format(time.RFC3339),
		"hs_meeting_end_time":   end.UTC().Format(time.RFC3339),
		"hs_meeting_location":   appt.Location,
		"hs_meeting_outcome":    "SCHEDULED",
	})}
	if err := h.api.post(ctx, "/crm/v3/objects/meetings", body, &obj); err != nil {
		return integration.Appointment{}, h.Fail(op, classify(op, err))
	}
	booked := integration.Appointment{ID: obj.ID, Contact: appt.Contact, Start: start, End: end, Title: title}
	if err := h.associate(ctx, "meetings", obj.ID, appt.Contact.ID); err != nil {
		return booked, h.Fail(op, classify(op, err))
	}
	return booked, nil
}
