package integration

import (
	"strconv"
	"time"
)

// ProviderType identifies one of the supported third-party systems.
type ProviderType string

const (
	ProviderGoogleCalendar ProviderType = "google_calendar"
	ProviderCalendly       ProviderType = "calendly"
	ProviderSalesforce     ProviderType = "salesforce"
	ProviderHubSpot        ProviderType = "hubspot"
	ProviderHighLevel      ProviderType = "gohighlevel"
	ProviderCalCom         ProviderType = "calcom"
	ProviderHousecallPro   ProviderType = "housecall_pro"
	ProviderStripe         ProviderType = "stripe"
	ProviderZapier         ProviderType = "zapier"
)

// AllProviders lists every provider in display order.
var AllProviders = []ProviderType{
	ProviderGoogleCalendar,
	ProviderCalendly,
	ProviderSalesforce,
	ProviderHubSpot,
	ProviderHighLevel,
	ProviderCalCom,
	ProviderHousecallPro,
	ProviderStripe,
	ProviderZapier,
}

// Valid reports whether p is a known provider.
func (p ProviderType) Valid() bool {
	for _, known := range AllProviders {
		if p == known {
			return true
		}
	}
	return false
}

// AuthMode is the credential strategy of a connection.
type AuthMode string

const (
	AuthOAuth   AuthMode = "oauth"
	AuthAPIKey  AuthMode = "api_key"
	AuthWebhook AuthMode = "webhook"
)

// ConnectionStatus is the health of a connection as shown on the dashboard.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
	StatusExpired      ConnectionStatus = "expired"
)

// Connection is one agent's persisted link to one provider.
//
// AuthMode decides which credential fields are authoritative: oauth uses the
// token triple, api_key uses APIKey/APISecret and webhook uses the webhook
// pair. Adapters must not assume the other fields are populated.
type Connection struct {
	ID          string
	AgentID     string
	Provider    ProviderType
	AuthMode    AuthMode
	IsActive    bool
	Status      ConnectionStatus
	SyncEnabled bool

	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time

	APIKey    string
	APISecret string

	WebhookURL    string
	WebhookSecret string

	InstanceURL string
	Config      map[string]any

	LastSyncAt *time.Time
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConfigString returns the string value stored under key in the connection's
// configuration map. Numbers are formatted without a fractional part.
func (c *Connection) ConfigString(key string) string {
	if c == nil || c.Config == nil {
		return ""
	}
	switch v := c.Config[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// ConfigInt returns the integer stored under key, or def when absent or invalid.
func (c *Connection) ConfigInt(key string, def int) int {
	if c == nil || c.Config == nil {
		return def
	}
	switch v := c.Config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// RefKind tags an external contact reference.
type RefKind int

const (
	// RefProvider is an id minted by the provider for a real record.
	RefProvider RefKind = iota + 1
	// RefSynthetic is a deterministic id derived locally for providers that
	// have no contact object.
	RefSynthetic
)

func (k RefKind) String() string {
	switch k {
	case RefProvider:
		return "provider"
	case RefSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// ContactRef points at a contact inside a provider.
type ContactRef struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

// ProviderRef builds a reference to a provider-owned record.
func ProviderRef(id string) ContactRef { return ContactRef{Kind: RefProvider, ID: id} }

// SyntheticRef builds a reference to a locally derived pseudo-contact.
func SyntheticRef(id string) ContactRef { return ContactRef{Kind: RefSynthetic, ID: id} }

// IsZero reports whether the reference is unset.
func (r ContactRef) IsZero() bool { return r.ID == "" }

// IsSynthetic reports whether the reference has no backing provider record.
func (r ContactRef) IsSynthetic() bool { return r.Kind == RefSynthetic }

func (r ContactRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Kind.String() + ":" + r.ID
}

// Address is a postal address.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// IsZero reports whether no address field is set.
func (a Address) IsZero() bool { return a == Address{} }

// ContactData is the provider-agnostic contact payload.
type ContactData struct {
	FirstName    string         `json:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Email        string         `json:"email,omitempty"`
	Address      Address        `json:"address,omitempty"`
	Company      string         `json:"company,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// FullName joins the name parts.
func (c ContactData) FullName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

// Contact is a contact as resolved in a provider.
type Contact struct {
	Ref ContactRef `json:"ref"`
	ContactData
}

// AppointmentData is the provider-agnostic booking payload.
type AppointmentData struct {
	Contact         ContactRef `json:"contact,omitempty"`
	Title           string     `json:"title,omitempty"`
	Date            string     `json:"date"` // YYYY-MM-DD
	Time            string     `json:"time"` // HH:MM
	Timezone        string     `json:"timezone,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Location        string     `json:"location,omitempty"`
	ServiceType     string     `json:"service_type,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	AttendeeName    string     `json:"attendee_name,omitempty"`
	AttendeeEmail   string     `json:"attendee_email,omitempty"`
	AttendeePhone   string     `json:"attendee_phone,omitempty"`
}

// DefaultAppointmentMinutes is used when an appointment has no duration.
const DefaultAppointmentMinutes = 30

// Start resolves Date, Time and Timezone into an absolute time. An empty
// timezone means UTC; an unknown one is a CONFIG_ERROR.
func (a AppointmentData) Start() (time.Time, error) {
	loc := time.UTC
	if a.Timezone != "" {
		l, err := time.LoadLocation(a.Timezone)
		if err != nil {
			return time.Time{}, Errorf(CodeConfig, "appointment.start", "unknown timezone %q", a.Timezone)
		}
		loc = l
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", a.Date+" "+a.Time, loc)
	if err != nil {
		return time.Time{}, NewError(CodeConfig, "appointment.start", err)
	}
	return t, nil
}

// Duration returns the appointment length, defaulting to 30 minutes.
func (a AppointmentData) Duration() time.Duration {
	if a.DurationMinutes <= 0 {
		return DefaultAppointmentMinutes * time.Minute
	}
	return time.Duration(a.DurationMinutes) * time.Minute
}

// Appointment is a booking created in a provider.
type Appointment struct {
	ID      string     `json:"id"`
	Contact ContactRef `json:"contact"`
	Start   time.Time  `json:"start"`
	End     time.Time  `json:"end"`
	Title   string     `json:"title,omitempty"`
	URL     string     `json:"url,omitempty"`
}

// Attachment is a file referenced by URL.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// NoteData is the provider-agnostic note payload.
type NoteData struct {
	Contact     ContactRef   `json:"contact"`
	Subject     string       `json:"subject,omitempty"`
	Body        string       `json:"body"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Note is a note created in a provider.
type Note struct {
	ID      string     `json:"id"`
	Contact ContactRef `json:"contact"`
}

// TimeSlot is a bookable window.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether s and o share any instant.
func (s TimeSlot) Overlaps(o TimeSlot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

// AvailabilityQuery asks for open slots between From and To.
type AvailabilityQuery struct {
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	Timezone        string    `json:"timezone,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
}

// WorkflowTrigger starts a provider-side automation.
type WorkflowTrigger struct {
	WorkflowID string         `json:"workflow_id"`
	Contact    ContactRef     `json:"contact,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// CallData is the outcome of one finished call. It is produced once per call
// and treated as immutable.
type CallData struct {
	CallID            string           `json:"call_id"`
	AgentID           string           `json:"agent_id"`
	CallerName        string           `json:"caller_name,omitempty"`
	CallerPhone       string           `json:"caller_phone,omitempty"`
	CallerEmail       string           `json:"caller_email,omitempty"`
	Outcome           string           `json:"outcome"`
	Summary           string           `json:"summary,omitempty"`
	Sentiment         string           `json:"sentiment,omitempty"`
	Transcript        string           `json:"transcript,omitempty"`
	RecordingURL      string           `json:"recording_url,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	EndedAt           time.Time        `json:"ended_at"`
	DurationSeconds   int              `json:"duration_seconds"`
	AppointmentBooked *AppointmentData `json:"appointment_booked,omitempty"`
}

// TokenSnapshot is the result of an OAuth refresh. It is a value: callers
// persist it and apply it to in-memory copies themselves.
type TokenSnapshot struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	InstanceURL  string
}
