package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
)

const salesforceAPIVersion = "v59.0"

// Salesforce writes callers as Lead or Contact records, depending on the
// connection's object_type, and uses that type for every operation.
type Salesforce struct {
	integration.Base
	api        *restClient
	objectType string
	reg        *oauth.Registry
	baseURL    string
}

func newSalesforce(conn integration.Connection, e env) (*Salesforce, error) {
	objectType := "Lead"
	switch strings.ToLower(conn.ConfigString("object_type")) {
	case "", "lead":
	case "contact":
		objectType = "Contact"
	default:
		return nil, configError(conn.Provider, "object_type must be lead or contact")
	}
	if conn.InstanceURL == "" && e.baseURL == "" {
		return nil, configError(conn.Provider, "instance_url is not set; reconnect Salesforce")
	}
	s := &Salesforce{
		Base:       integration.NewBase(conn, e.limiter),
		objectType: objectType,
		reg:        e.oauth,
		baseURL:    e.baseURL,
	}
	s.SetLogger(e.logger)
	s.api = newRESTClient("", e.httpClient, bearer(s.AccessToken))
	s.api.throttle = s.Throttle
	return s, nil
}

func (s *Salesforce) Type() integration.ProviderType { return integration.ProviderSalesforce }
func (s *Salesforce) Name() string                    { return "Salesforce" }

// url builds an absolute REST URL. The instance can change on refresh, so it
// is read from the connection every time.
func (s *Salesforce) url(path string) string {
	root := s.baseURL
	if root == "" {
		root = s.Connection().InstanceURL
	}
	return strings.TrimRight(root, "/") + "/services/data/" + salesforceAPIVersion + path
}

func (s *Salesforce) RefreshOAuthToken(ctx context.Context) (integration.TokenSnapshot, error) {
	return refreshVia(ctx, s.reg, &s.Base)
}

func (s *Salesforce) ValidateConnection(ctx context.Context) error {
	if err := s.api.get(ctx, s.url("/limits"), nil, nil); err != nil {
		return s.Fail("salesforce.validate", classify("salesforce.validate", err))
	}
	return nil
}

func (s *Salesforce) fields(data integration.ContactData) map[string]any {
	last := data.LastName
	if last == "" {
		// LastName is mandatory on both objects.
		last = "Unknown"
		if data.FirstName == "" && data.Phone != "" {
			last = data.Phone
		}
	}
	prefix := ""
	if s.objectType == "Contact" {
		prefix = "Mailing"
	}
	f := map[string]any{
		"FirstName":  data.FirstName,
		"LastName":   last,
		"Phone":      data.Phone,
		"Email":      data.Email,
		"LeadSource": "AI Receptionist",
	}
	f[prefix+"Street"] = data.Address.Street
	f[prefix+"City"] = data.Address.City
	f[prefix+"State"] = data.Address.State
	f[prefix+"PostalCode"] = data.Address.PostalCode
	f[prefix+"Country"] = data.Address.Country
	if s.objectType == "Lead" {
		company := data.Company
		if company == "" {
			company = "Unknown"
		}
		f["Company"] = company
	}
	for k, v := range data.CustomFields {
		f[k] = v
	}
	return integration.Compact(f)
}

func (s *Salesforce) CreateContact(ctx context.Context, data integration.ContactData) (integration.Contact, error) {
	op := "salesforce.create_" + strings.ToLower(s.objectType)
	var resp struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := s.api.post(ctx, s.url("/sobjects/"+s.objectType), s.fields(data), &resp); err != nil {
		return integration.Contact{}, s.Fail(op, classify(op, err))
	}
	if resp.ID == "" {
		return integration.Contact{}, s.Fail(op, integration.Errorf(integration.CodeUnknown, op, "salesforce returned no id"))
	}
	return integration.Contact{Ref: integration.ProviderRef(resp.ID), ContactData: data}, nil
}

func (s *Salesforce) UpdateContact(ctx context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	op := "salesforce.update_" + strings.ToLower(s.objectType)
	if ref.IsSynthetic() || ref.IsZero() {
		return integration.Contact{}, s.Fail(op, integration.Errorf(integration.CodeContact, op, "not a salesforce record: %s", ref))
	}
	fields := s.fields(data)
	if data.LastName == "" {
		delete(fields, "LastName")
	}
	if data.Company == "" {
		delete(fields, "Company")
	}
	delete(fields, "LeadSource")
	if err := s.api.patch(ctx, s.url("/sobjects/"+s.objectType+"/"+url.PathEscape(ref.ID)), fields, nil); err != nil {
		return integration.Contact{}, s.Fail(op, classify(op, err))
	}
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

type sfRecord struct {
	ID        string `json:"Id"`
	FirstName string `json:"FirstName"`
	LastName  string `json:"LastName"`
	Email     string `json:"Email"`
	Phone     string `json:"Phone"`
}

func (r sfRecord) contact() *integration.Contact {
	return &integration.Contact{
		Ref: integration.ProviderRef(r.ID),
		ContactData: integration.ContactData{
			FirstName: r.FirstName,
			LastName:  r.LastName,
			Email:     r.Email,
			Phone:     r.Phone,
		},
	}
}

// soqlQuote escapes a value for a SOQL string literal.
func soqlQuote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// soslEscape escapes SOSL reserved characters.
func soslEscape(v string) string {
	r := strings.NewReplacer(
		`\`, `\\`, `?`, `\?`, `&`, `\&`, `|`, `\|`, `!`, `\!`, `{`, `\{`, `}`, `\}`,
		`[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`, `^`, `\^`, `~`, `\~`, `*`, `\*`,
		`:`, `\:`, `"`, `\"`, `'`, `\'`, `+`, `\+`, `-`, `\-`,
	)
	return r.Replace(v)
}

// FindContact matches by email with SOQL, then by phone with SOSL, which
// compares phone fields on their digits.
func (s *Salesforce) FindContact(ctx context.Context, data integration.ContactData) (*integration.Contact, error) {
	op := "salesforce.find_" + strings.ToLower(s.objectType)
	cols := "Id, FirstName, LastName, Email, Phone"

	if email := integration.NormalizeEmail(data.Email); email != "" {
		q := fmt.Sprintf("SELECT %s FROM %s WHERE Email = %s ORDER BY CreatedDate DESC LIMIT 1", cols, s.objectType, soqlQuote(email))
		var resp struct {
			Records []sfRecord `json:"records"`
		}
		if err := s.api.get(ctx, s.url("/query"), url.Values{"q": {q}}, &resp); err != nil {
			return nil, s.Fail(op, classify(op, err))
		}
		if len(resp.Records) > 0 {
			return resp.Records[0].contact(), nil
		}
	}

	if digits := integration.DigitsOnly(data.Phone); digits != "" {
		q := fmt.Sprintf("FIND {%s} IN PHONE FIELDS RETURNING %s(%s) LIMIT 1", soslEscape(digits), s.objectType, cols)
		var resp struct {
			SearchRecords []sfRecord `json:"searchRecords"`
		}
		if err := s.api.get(ctx, s.url("/search"), url.Values{"q": {q}}, &resp); err != nil {
			return nil, s.Fail(op, classify(op, err))
		}
		if len(resp.SearchRecords) > 0 {
			return resp.SearchRecords[0].contact(), nil
		}
	}
	return nil, nil
}

func (s *Salesforce) requireRecord(op string, ref integration.ContactRef) error {
	if ref.IsZero() || ref.IsSynthetic() {
		return s.Fail(op, integration.Errorf(integration.CodeContact, op, "not a salesforce record: %s", ref))
	}
	return nil
}

// AddNote logs the call as a completed Task on the record.
func (s *Salesforce) AddNote(ctx context.Context, note integration.NoteData) (integration.Note, error) {
	const op = "salesforce.add_note"
	if err := s.requireRecord(op, note.Contact); err != nil {
		return integration.Note{}, err
	}
	at := note.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	subject := note.Subject
	if subject == "" {
		subject = "Call"
	}
	body := integration.Compact(map[string]any{
		"WhoId":        note.Contact.ID,
		"Subject":      subject,
		"Description":  note.Body + attachmentLines(note.Attachments),
		"Status":       "Completed",
		"Priority":     "Normal",
		"TaskSubtype":  "Call",
		"ActivityDate": at.Format("2006-01-02"),
	})
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.api.post(ctx, s.url("/sobjects/Task"), body, &resp); err != nil {
		return integration.Note{}, s.Fail(op, classify(op, err))
	}
	return integration.Note{ID: resp.ID, Contact: note.Contact}, nil
}

// BookAppointment creates an Event linked to the record.
func (s *Salesforce) BookAppointment(ctx context.Context, appt integration.AppointmentData) (integration.Appointment, error) {
	const op = "salesforce.book_appointment"
	if err := s.requireRecord(op, appt.Contact); err != nil {
		return integration.Appointment{}, err
	}
	start, err := appt.Start()
	if err != nil {
		return integration.Appointment{}, s.Fail(op, err)
	}
	end := start.Add(appt.Duration())
	title := appt.Title
	if title == "" {
		title = "Appointment"
	}
	body := integration.Compact(map[string]any{
		"WhoId":         appt.Contact.ID,
		"Subject":       title,
		"StartDateTime": start.UTC().Format(time.RFC3339),
		"EndDateTime":   end.UTC().Format(time.RFC3339),
		"Location":      appt.Location,
		"Description":   appt.Notes,
		"Type":          appt.ServiceType,
	})
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.api.post(ctx, s.url("/sobjects/Event"), body, &resp); err != nil {
		return integration.Appointment{}, s.Fail(op, classify(op, err))
	}
	return integration.Appointment{ID: resp.ID, Contact: appt.Contact, Start: start, End: end, Title: title}, nil
}
