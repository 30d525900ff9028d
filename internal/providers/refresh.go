package providers

import (
	"context"
	"errors"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
)

var errNoOAuthRegistry = errors.New("oauth client registry is not configured")

// refreshVia exchanges the connection's refresh token through reg. The
// connection itself is not touched.
func refreshVia(ctx context.Context, reg *oauth.Registry, b *integration.Base) (integration.TokenSnapshot, error) {
	if reg == nil {
		return integration.TokenSnapshot{}, errNoOAuthRegistry
	}
	conn := b.Connection()
	return reg.Refresh(ctx, conn.Provider, conn.RefreshToken)
}

// attachmentLines renders attachments for providers that only accept text.
func attachmentLines(atts []integration.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	out := "\n\nAttachments:"
	for _, a := range atts {
		name := a.Filename
		if name == "" {
			name = a.URL
		}
		out += "\n- " + name + ": " + a.URL
	}
	return out
}
