package integration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ProcessResult records what a call sync produced in one provider.
type ProcessResult struct {
	Contact        ContactRef `json:"contact,omitempty"`
	ContactCreated bool       `json:"contact_created,omitempty"`
	NoteID         string     `json:"note_id,omitempty"`
	AppointmentID  string     `json:"appointment_id,omitempty"`
	EventSent      bool       `json:"event_sent,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
}

// ProcessOptions carries the collaborators of ProcessCallData.
type ProcessOptions struct {
	Tokens TokenStore
	Logger *slog.Logger
}

// ProcessCallData pushes one finished call into a provider: refresh the token,
// resolve the caller, write a note and book the appointment if the call
// produced one. A contact failure aborts with CONTACT_ERROR. Note and booking
// failures are recorded as warnings and never undo the contact.
func ProcessCallData(ctx context.Context, in Integration, call CallData, opts ProcessOptions) (ProcessResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", in.Type(), "call_id", call.CallID)

	if _, err := RefreshTokenIfNeeded(ctx, in, opts.Tokens); err != nil {
		return ProcessResult{}, err
	}

	if cp, ok := in.(CallProcessor); ok {
		return cp.ProcessCall(ctx, call)
	}

	var res ProcessResult
	contact, created, err := GetOrCreateContact(ctx, in, CallerContact(call))
	if err != nil {
		return res, NewError(CodeContact, "process_call.contact", err)
	}
	res.Contact = contact.Ref
	res.ContactCreated = created

	note := NoteData{
		Contact:   contact.Ref,
		Subject:   NoteSubject(call),
		Body:      FormatCallNote(call),
		Timestamp: noteTime(call),
	}
	if call.RecordingURL != "" {
		note.Attachments = []Attachment{{
			URL:      call.RecordingURL,
			Filename: "call-" + call.CallID + "-recording",
			MimeType: "audio/mpeg",
		}}
	}
	saved, err := in.AddNote(ctx, note)
	switch {
	case err == nil:
		res.NoteID = saved.ID
	case IsNotSupported(err):
		logger.Debug("provider does not store notes")
	default:
		logger.Warn("adding call note failed", "error", err)
		res.Warnings = append(res.Warnings, "note: "+err.Error())
	}

	if call.AppointmentBooked != nil {
		appt := *call.AppointmentBooked
		appt.Contact = contact.Ref
		if appt.AttendeeName == "" {
			appt.AttendeeName = call.CallerName
		}
		if appt.AttendeeEmail == "" {
			appt.AttendeeEmail = call.CallerEmail
		}
		if appt.AttendeePhone == "" {
			appt.AttendeePhone = call.CallerPhone
		}
		booked, err := in.BookAppointment(ctx, appt)
		switch {
		case err == nil:
			res.AppointmentID = booked.ID
		case IsNotSupported(err):
			logger.Debug("provider does not book appointments")
		default:
			logger.Warn("booking appointment failed", "error", err)
			res.Warnings = append(res.Warnings, "appointment: "+err.Error())
		}
	}

	if err := ctx.Err(); err != nil {
		return res, NewError(CodeProcessing, "process_call", err)
	}
	return res, nil
}

func noteTime(call CallData) time.Time {
	if !call.EndedAt.IsZero() {
		return call.EndedAt
	}
	return time.Now().UTC()
}

// NoteSubject is the subject line of the call note.
func NoteSubject(call CallData) string {
	name := strings.TrimSpace(call.CallerName)
	if name == "" {
		name = call.CallerPhone
	}
	if name == "" {
		return "AI receptionist call"
	}
	return "AI receptionist call with " + name
}

// FormatCallNote renders the human-readable body of the call note.
func FormatCallNote(call CallData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call Outcome: %s\n", humanize(call.Outcome))
	fmt.Fprintf(&b, "Duration: %s\n", formatDuration(call.DurationSeconds))
	if ts := noteTime(call); !ts.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", ts.Format(time.RFC1123))
	}
	if call.Sentiment != "" {
		fmt.Fprintf(&b, "Sentiment: %s\n", call.Sentiment)
	}
	if call.Summary != "" {
		fmt.Fprintf(&b, "\nSummary:\n%s\n", call.Summary)
	}
	if a := call.AppointmentBooked; a != nil {
		b.WriteString("\nAppointment Booked:\n")
		fmt.Fprintf(&b, "Date: %s\n", a.Date)
		fmt.Fprintf(&b, "Time: %s\n", a.Time)
		if a.Timezone != "" {
			fmt.Fprintf(&b, "Timezone: %s\n", a.Timezone)
		}
		if a.ServiceType != "" {
			fmt.Fprintf(&b, "Service: %s\n", a.ServiceType)
		}
		if a.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", a.Location)
		}
	}
	if call.RecordingURL != "" {
		fmt.Fprintf(&b, "\nRecording: %s\n", call.RecordingURL)
	}
	if call.Transcript != "" {
		fmt.Fprintf(&b, "\nTranscript:\n%s\n", call.Transcript)
	}
	return strings.TrimRight(b.String(), "\n")
}

func humanize(label string) string {
	if label == "" {
		return "unknown"
	}
	return strings.ReplaceAll(label, "_", " ")
}

func formatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
