package providers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

const housecallBaseURL = "https://api.housecallpro.com"

// HousecallPro manages customers in a Housecall Pro account. Booked
// appointments become scheduled estimates.
type HousecallPro struct {
	integration.Base
	api *restClient
}

func newHousecallPro(conn integration.Connection, e env) (*HousecallPro, error) {
	h := &HousecallPro{Base: integration.NewBase(conn, e.limiter)}
	h.SetLogger(e.logger)
	key := conn.APIKey
	h.api = newRESTClient(orDefault(e.baseURL, housecallBaseURL), e.httpClient, func(r *http.Request) {
		r.Header.Set("Authorization", "Token "+key)
	})
	h.api.throttle = h.Throttle
	return h, nil
}

func (h *HousecallPro) Type() integration.ProviderType { return integration.ProviderHousecallPro }
func (h *HousecallPro) Name() string                    { return "Housecall Pro" }

func (h *HousecallPro) ValidateConnection(ctx context.Context) error {
	if err := h.api.get(ctx, "/company", nil, nil); err != nil {
		return h.Fail("housecall.validate", classify("housecall.validate", err))
	}
	return nil
}

type hcpAddress struct {
	ID string `json:"id"`
}

type hcpCustomer struct {
	ID           string       `json:"id"`
	FirstName    string       `json:"first_name"`
	LastName     string       `json:"last_name"`
	Email        string       `json:"email"`
	MobileNumber string       `json:"mobile_number"`
	Company      string       `json:"company"`
	Addresses    []hcpAddress `json:"addresses"`
}

func (c hcpCustomer) contact() integration.Contact {
	return integration.Contact{
		Ref: integration.ProviderRef(c.ID),
		ContactData: integration.ContactData{
			FirstName: c.FirstName,
			LastName:  c.LastName,
			Email:     c.Email,
			Phone:     c.MobileNumber,
			Company:   c.Company,
		},
	}
}

func hcpBody(data integration.ContactData) map[string]any {
	body := map[string]any{
		"first_name":    data.FirstName,
		"last_name":     data.LastName,
		"email":         data.Email,
		"mobile_number": integration.DigitsOnly(data.Phone),
		"company":       data.Company,
		"lead_source":   "AI Receptionist",
	}
	if !data.Address.IsZero() {
		body["addresses"] = []map[string]any{integration.Compact(map[string]any{
			"street":  data.Address.Street,
			"city":    data.Address.City,
			"state":   data.Address.State,
			"zip":     data.Address.PostalCode,
			"country": data.Address.Country,
			"type":    "service",
		})}
	}
	return integration.Compact(body)
}

func (h *HousecallPro) CreateContact(ctx context.Context, data integration.ContactData) (integration.Contact, error) {
	const op = "housecall.create_customer"
	body := hcpBody(data)
	body["notifications_enabled"] = false
	var resp hcpCustomer
	if err := h.api.post(ctx, "/customers", body, &resp); err != nil {
		return integration.Contact{}, h.Fail(op, classify(op, err))
	}
	c := resp.contact()
	c.ContactData = data
	return c, nil
}

func (h *HousecallPro) UpdateContact(ctx context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	const op = "housecall.update_customer"
	if err := h.requireRecord(op, ref); err != nil {
		return integration.Contact{}, err
	}
	body := hcpBody(data)
	delete(body, "addresses")
	delete(body, "lead_source")
	if err := h.api.put(ctx, "/customers/"+url.PathEscape(ref.ID), body, nil); err != nil {
		return integration.Contact{}, h.Fail(op, classify(op, err))
	}
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

// FindContact runs the customer search with the email, then the phone digits.
func (h *HousecallPro) FindContact(ctx context.Context, data integration.ContactData) (*integration.Contact, error) {
	const op = "housecall.find_customer"
	var terms []string
	if email := integration.NormalizeEmail(data.Email); email != "" {
		terms = append(terms, email)
	}
	if digits := integration.DigitsOnly(data.Phone); digits != "" {
		terms = append(terms, digits)
	}
	for _, term := range terms {
		var resp struct {
			Customers []hcpCustomer `json:"customers"`
		}
		q := url.Values{"q": {term}, "page_size": {"1"}}
		if err := h.api.get(ctx, "/customers", q, &resp); err != nil {
			return nil, h.Fail(op, classify(op, err))
		}
		if len(resp.Customers) > 0 {
			c := resp.Customers[0].contact()
			return &c, nil
		}
	}
	return nil, nil
}

func (h *HousecallPro) requireRecord(op string, ref integration.ContactRef) error {
	if ref.IsZero() || ref.IsSynthetic() {
		return h.Fail(op, integration.Errorf(integration.CodeContact, op, "not a housecall pro customer: %s", ref))
	}
	return nil
}

func (h *HousecallPro) AddNote(ctx context.Context, note integration.NoteData) (integration.Note, error) {
	const op = "housecall.add_note"
	if err := h.requireRecord(op, note.Contact); err != nil {
		return integration.Note{}, err
	}
	text := note.Body + attachmentLines(note.Attachments)
	if note.Subject != "" {
		text = note.Subject + "\n\n" + text
	}
	var resp struct {
		ID string `json:"id"`
	}
	path := "/customers/" + url.PathEscape(note.Contact.ID) + "/notes"
	if err := h.api.post(ctx, path, map[string]any{"content": text}, &resp); err != nil {
		return integration.Note{}, h.Fail(op, classify(op, err))
	}
	return integration.Note{ID: resp.ID, Contact: note.Contact}, nil
}

// BookAppointment schedules an estimate visit for the customer.
func (h *HousecallPro) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "housecall.book_appointment"
	if err := h.requireRecord(op, appt.Contact); err != nil {
		return integration.Appointment{}, err
	}
	start, err := appt.Start()
	if err != nil {
		return integration.Appointment{}, h.Fail(op, err)
	}
	end := start.Add(appt.Duration())
	note := appt.Notes
	if appt.ServiceType != "" {
		note = "Service: " + appt.ServiceType + "\n" + note
	}
	body := integration.Compact(map[string]any{
		"customer_id": appt.Contact.ID,
		"note":        note,
		"schedule": map[string]any{
			"start_time":     start.UTC().Format(time.RFC3339),
			"end_time":       end.UTC().Format(time.RFC3339),
			"arrival_window": 0,
		},
	})
	var resp struct {
		ID string `json:"id"`
	}
	if err := h.api.post(ctx, "/estimates", body, &resp); err != nil {
		return integration.Appointment{}, h.Fail(op, classify(op, err))
	}
	return integration.Appointment{ID: resp.ID, Contact: appt.Contact, Start: start, End: end, Title: appt.Title}, nil
}
