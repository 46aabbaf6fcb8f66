package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// TwilioOpts holds configuration for the Twilio WhatsApp transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// TwilioOption configures the Twilio transport.
type TwilioOption func(*TwilioOpts)

func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

func WithFromWhats(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromWhats = from }
}

// TwilioService delivers messages over Twilio's WhatsApp API and surfaces
// inbound webhook posts on the Responses channel.
type TwilioService struct {
	client    *twilio.RestClient
	fromWhats string
	responses chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a Twilio-backed transport. Options fall back to
// the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER
// environment variables.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio transport config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, models.ErrMissingTransportAuth
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioService{
		client:    client,
		fromWhats: cfg.FromWhats,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}, nil
}

// ValidateAndCanonicalizeRecipient strips non-digits and requires at
// least 6 remaining digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op: Twilio delivers inbound traffic via webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the response channel after in-flight handlers drain.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.responses)
	}()
	return nil
}

// SendMessage sends a WhatsApp message via the Twilio REST API.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + canonicalTo)
	params.SetFrom(s.fromWhats)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", canonicalTo, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	slog.Debug("Twilio message sent", "to", canonicalTo)
	return nil
}

// SendMessageWithOptions renders options as numbered text lines; the
// Twilio Go SDK has no WhatsApp button support.
func (s *TwilioService) SendMessageWithOptions(ctx context.Context, to string, body string, options []string) error {
	return s.SendMessage(ctx, to, FormatOptions(body, options))
}

// Responses returns the inbound message channel.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// WebhookHandler accepts Twilio's inbound message POST and emits it on
// the Responses channel. Messages without a provider ID get a generated
// one so downstream dedup still has a key.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	bodyText := r.FormValue("Body")
	messageID := r.FormValue("MessageSid")
	if messageID == "" {
		messageID = uuid.NewString()
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook sender rejected", "error", err, "from", from)
		http.Error(w, "bad sender", http.StatusBadRequest)
		return
	}

	s.safeEmitResponse(models.InboundMessage{
		MessageID:     messageID,
		ParticipantID: canonical,
		Text:          bodyText,
		Time:          time.Now().Unix(),
	})
	w.WriteHeader(http.StatusOK)
}

func (s *TwilioService) safeEmitResponse(msg models.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- msg:
	default:
		slog.Warn("Twilio response channel full, dropping message", "messageID", msg.MessageID)
	}
}
