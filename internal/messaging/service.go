// Package messaging provides the chat transport abstraction for
// CheckinPipe. Implementations deliver outbound copy and surface inbound
// participant actions as a channel of messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// DefaultChannelBufferSize is the buffer size for response channels.
const DefaultChannelBufferSize = 100

// ErrServiceStopped is returned when operations are attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex matches characters that are not digits.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each transport applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a plain text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMessageWithOptions sends a message followed by a numbered list
	// of reply options. Transports without native buttons render the
	// options as text.
	SendMessageWithOptions(ctx context.Context, to string, body string, options []string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of inbound participant messages.
	Responses() <-chan models.InboundMessage
}

// FormatOptions renders a reply-option list the way transports without
// native buttons present it: numbered lines after a blank separator.
func FormatOptions(body string, options []string) string {
	if len(options) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, opt := range options {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt))
	}
	return b.String()
}
