package providers

import "github.com/kalambet/callbridge/internal/integration"

// Capability names an operation an adapter actually implements.
type Capability string

const (
	CapContacts     Capability = "contacts"
	CapNotes        Capability = "notes"
	CapAvailability Capability = "availability"
	CapBooking      Capability = "booking"
	CapWorkflows    Capability = "workflows"
)

// Metadata is the static description of a provider shown on the dashboard.
type Metadata struct {
	Type           integration.ProviderType `json:"type"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description"`
	Category       string                   `json:"category"`
	AuthMode       integration.AuthMode     `json:"auth_mode"`
	SetupURL       string                   `json:"setup_url"`
	Features       []string                 `json:"features"`
	RequiredConfig []string                 `json:"required_config,omitempty"`
	Capabilities   []Capability             `json:"capabilities"`
}

// Supports reports whether the provider implements c.
func (m Metadata) Supports(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

var metadata = map[integration.ProviderType]Metadata{
	integration.ProviderGoogleCalendar: {
		Name:        "Google Calendar",
		Description: "Check availability and book appointments directly on a Google calendar.",
		Category:    "calendar",
		AuthMode:    integration.AuthOAuth,
		SetupURL:    "https://console.cloud.google.com/apis/credentials",
		Features: []string{
			"Real-time availability from free/busy data",
			"Books events with the caller as attendee",
			"Logs each call as a calendar entry",
		},
		Capabilities: []Capability{CapContacts, CapNotes, CapAvailability, CapBooking},
	},
	integration.ProviderCalendly: {
		Name:           "Calendly",
		Description:    "Offer open Calendly times and schedule invitees on an event type.",
		Category:       "calendar",
		AuthMode:       integration.AuthOAuth,
		SetupURL:       "https://developer.calendly.com/",
		Features:       []string{"Available times for one event type", "Schedules invitees during the call"},
		RequiredConfig: []string{"event_type_uri"},
		Capabilities:   []Capability{CapContacts, CapAvailability, CapBooking},
	},
	integration.ProviderSalesforce: {
		Name:        "Salesforce",
		Description: "Create leads or contacts, log calls as tasks and book events.",
		Category:    "crm",
		AuthMode:    integration.AuthOAuth,
		SetupURL:    "https://help.salesforce.com/s/articleView?id=sf.connected_app_create.htm",
		Features: []string{
			"Lead or contact records, chosen per connection",
			"Completed call tasks with transcript",
			"Events for booked appointments",
		},
		Capabilities: []Capability{CapContacts, CapNotes, CapBooking},
	},
	integration.ProviderHubSpot: {
		Name:        "HubSpot",
		Description: "Sync callers into HubSpot contacts or leads with notes and meetings.",
		Category:    "crm",
		AuthMode:    integration.AuthOAuth,
		SetupURL:    "https://developers.hubspot.com/docs/api/oauth-quickstart-guide",
		Features: []string{
			"Contact or lead records, chosen per connection",
			"Call notes associated to the record",
			"Meetings for booked appointments",
		},
		Capabilities: []Capability{CapContacts, CapNotes, CapBooking},
	},
	integration.ProviderHighLevel: {
		Name:        "HighLevel",
		Description: "Contacts, notes, calendar bookings and workflows in a HighLevel sub-account.",
		Category:    "crm",
		AuthMode:    integration.AuthAPIKey,
		SetupURL:    "https://help.gohighlevel.com/support/solutions/articles/48001060529",
		Features: []string{
			"Duplicate-safe contact lookup",
			"Calendar free slots with business-hours fallback",
			"Add callers to workflows",
		},
		RequiredConfig: []string{"location_id"},
		Capabilities:   []Capability{CapContacts, CapNotes, CapAvailability, CapBooking, CapWorkflows},
	},
	integration.ProviderCalCom: {
		Name:           "Cal.com",
		Description:    "Offer Cal.com slots and create bookings on an event type.",
		Category:       "calendar",
		AuthMode:       integration.AuthAPIKey,
		SetupURL:       "https://app.cal.com/settings/developer/api-keys",
		Features:       []string{"Slots for one event type", "Bookings with the caller as attendee"},
		RequiredConfig: []string{"event_type_id"},
		Capabilities:   []Capability{CapContacts, CapAvailability, CapBooking},
	},
	integration.ProviderHousecallPro: {
		Name:         "Housecall Pro",
		Description:  "Create customers, log call notes and schedule estimates for home services.",
		Category:     "crm",
		AuthMode:     integration.AuthAPIKey,
		SetupURL:     "https://docs.housecallpro.com/docs/housecall-public-api",
		Features:     []string{"Customers with service address", "Call notes on the customer", "Estimates for booked visits"},
		Capabilities: []Capability{CapContacts, CapNotes, CapBooking},
	},
	integration.ProviderStripe: {
		Name:         "Stripe",
		Description:  "Keep Stripe customers in sync with callers and record the last call.",
		Category:     "payments",
		AuthMode:     integration.AuthAPIKey,
		SetupURL:     "https://dashboard.stripe.com/apikeys",
		Features:     []string{"Customer lookup by email or phone", "Last call summary in customer metadata"},
		Capabilities: []Capability{CapContacts, CapNotes},
	},
	integration.ProviderZapier: {
		Name:        "Zapier",
		Description: "Send every finished call to a Zapier webhook and automate the rest there.",
		Category:    "automation",
		AuthMode:    integration.AuthWebhook,
		SetupURL:    "https://zapier.com/apps/webhook/integrations",
		Features: []string{
			"One call.completed event per call",
			"Optional HMAC-SHA256 signature",
		},
		Capabilities: []Capability{CapContacts, CapNotes, CapBooking, CapWorkflows},
	},
}

// GetMetadata returns the display metadata for p.
func GetMetadata(p integration.ProviderType) (Metadata, error) {
	m, ok := metadata[p]
	if !ok {
		return Metadata{}, &UnknownProviderError{Provider: p}
	}
	m.Type = p
	return m, nil
}

// AllMetadata returns metadata for every provider in display order.
func AllMetadata() []Metadata {
	out := make([]Metadata, 0, len(integration.AllProviders))
	for _, p := range integration.AllProviders {
		m, _ := GetMetadata(p)
		out = append(out, m)
	}
	return out
}
