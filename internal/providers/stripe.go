package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/callbridge/internal/integration"
)

const (
	stripeBaseURL = "https://api.stripe.com/v1"
	// Stripe caps metadata values at 500 characters.
	stripeMetadataMax = 500
)

// Stripe keeps callers in sync with Stripe customers. It cannot book
// appointments; the last call is stored in customer metadata.
type Stripe struct {
	integration.Base
	api *restClient
}

func newStripe(conn integration.Connection, e env) (*Stripe, error) {
	s := &Stripe{Base: integration.NewBase(conn, e.limiter)}
	s.SetLogger(e.logger)
	key := conn.APIKey
	s.api = newRESTClient(orDefault(e.baseURL, stripeBaseURL), e.httpClient, bearer(func() string { return key }))
	s.api.throttle = s.Throttle
	return s, nil
}

func (s *Stripe) Type() integration.ProviderType { return integration.ProviderStripe }
func (s *Stripe) Name() string                    { return "Stripe" }

func (s *Stripe) ValidateConnection(ctx context.Context) error {
	if err := s.api.get(ctx, "/balance", nil, nil); err != nil {
		return s.Fail("stripe.validate", classify("stripe.validate", err))
	}
	return nil
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (c stripeCustomer) contact() integration.Contact {
	first, last := integration.SplitName(c.Name)
	return integration.Contact{
		Ref: integration.ProviderRef(c.ID),
		ContactData: integration.ContactData{
			FirstName: first,
			LastName:  last,
			Email:     c.Email,
			Phone:     c.Phone,
		},
	}
}

// stripeForm flattens a contact into Stripe's bracketed form encoding,
// leaving out empty fields.
func stripeForm(data integration.ContactData) url.Values {
	form := url.Values{}
	set := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			form.Set(k, v)
		}
	}
	set("name", data.FullName())
	set("email", data.Email)
	set("phone", data.Phone)
	set("address[line1]", data.Address.Street)
	set("address[city]", data.Address.City)
	set("address[state]", data.Address.State)
	set("address[postal_code]", data.Address.PostalCode)
	set("address[country]", data.Address.Country)
	if data.Company != "" {
		set("metadata[company]", data.Company)
	}
	for k, v := range data.CustomFields {
		set("metadata["+k+"]", fmt.Sprint(v))
	}
	return form
}

func (s *Stripe) CreateContact(ctx context.Context, data integration.ContactData) (integration.Contact, error) {
	const op = "stripe.create_customer"
	form := stripeForm(data)
	form.Set("metadata[source]", "callbridge")
	var resp stripeCustomer
	if err := s.api.post(ctx, "/customers", form, &resp); err != nil {
		return integration.Contact{}, s.Fail(op, classify(op, err))
	}
	return integration.Contact{Ref: integration.ProviderRef(resp.ID), ContactData: data}, nil
}

func (s *Stripe) UpdateContact(ctx context.Context, ref integration.ContactRef, data integration.ContactData) (integration.Contact, error) {
	const op = "stripe.update_customer"
	if err := s.requireRecord(op, ref); err != nil {
		return integration.Contact{}, err
	}
	if err := s.api.post(ctx, "/customers/"+url.PathEscape(ref.ID), stripeForm(data), nil); err != nil {
		return integration.Contact{}, s.Fail(op, classify(op, err))
	}
	return integration.Contact{Ref: ref, ContactData: data}, nil
}

func stripeQuote(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// FindContact uses customer search: exact email, then phone by substring on
// its digits.
func (s *Stripe) FindContact(ctx context.Context, data integration.ContactData) (*integration.Contact, error) {
	const op = "stripe.find_customer"
	var clauses []string
	if email := integration.NormalizeEmail(data.Email); email != "" {
		clauses = append(clauses, "email:"+stripeQuote(email))
	}
	if digits := integration.DigitsOnly(data.Phone); digits != "" {
		clauses = append(clauses, "phone~"+stripeQuote(digits))
	}
	for _, clause := range clauses {
		var resp struct {
			Data []stripeCustomer `json:"data"`
		}
		q := url.Values{"query": {clause}, "limit": {"1"}}
		if err := s.api.get(ctx, "/customers/search", q, &resp); err != nil {
			return nil, s.Fail(op, classify(op, err))
		}
		if len(resp.Data) > 0 {
			c := resp.Data[0].contact()
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Stripe) requireRecord(op string, ref integration.ContactRef) error {
	if ref.IsZero() || ref.IsSynthetic() {
		return s.Fail(op, integration.Errorf(integration.CodeContact, op, "not a stripe customer: %s", ref))
	}
	return nil
}

// AddNote stores the latest call on the customer's metadata. Older notes are
// overwritten.
func (s *Stripe) AddNote(ctx context.Context, note integration.NoteData) (integration.Note, error) {
	const op = "stripe.add_note"
	if err := s.requireRecord(op, note.Contact); err != nil {
		return integration.Note{}, err
	}
	at := note.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	body := note.Body
	if len(body) > stripeMetadataMax {
		body = truncate(body, stripeMetadataMax-3) + "..."
	}
	form := url.Values{}
	form.Set("metadata[last_call_note]", body)
	form.Set("metadata[last_call_at]", at.UTC().Format(time.RFC3339))
	if note.Subject != "" {
		form.Set("metadata[last_call_subject]", truncate(note.Subject, stripeMetadataMax))
	}
	if len(note.Attachments) > 0 && len(note.Attachments[0].URL) <= stripeMetadataMax {
		form.Set("metadata[last_call_recording]", note.Attachments[0].URL)
	}
	if err := s.api.post(ctx, "/customers/"+url.PathEscape(note.Contact.ID), form, nil); err != nil {
		return integration.Note{}, s.Fail(op, classify(op, err))
	}
	return integration.Note{ID: note.Contact.ID + "@" + at.UTC().Format(time.RFC3339), Contact: note.Contact}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
