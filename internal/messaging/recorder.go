package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// RecordedMessage is one outbound message captured by the Recorder.
type RecordedMessage struct {
	To      string
	Body    string
	Options []string
}

// Recorder is an in-memory Service used by tests. It records every
// outbound message and lets tests inject inbound ones.
type Recorder struct {
	mu        sync.Mutex
	sent      []RecordedMessage
	responses chan models.InboundMessage
	failNext  error
}

// Compile-time check that Recorder implements Service.
var _ Service = (*Recorder)(nil)

// NewRecorder creates an empty recorder transport.
func NewRecorder() *Recorder {
	return &Recorder{responses: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

func (r *Recorder) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (r *Recorder) SendMessage(ctx context.Context, to string, body string) error {
	return r.record(RecordedMessage{To: to, Body: body})
}

func (r *Recorder) SendMessageWithOptions(ctx context.Context, to string, body string, options []string) error {
	return r.record(RecordedMessage{To: to, Body: body, Options: options})
}

func (r *Recorder) record(msg RecordedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) Start(ctx context.Context) error { return nil }

func (r *Recorder) Stop() error {
	close(r.responses)
	return nil
}

func (r *Recorder) Responses() <-chan models.InboundMessage {
	return r.responses
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedMessage, len(r.sent))
	copy(out, r.sent)
	return out
}

// Reset clears the recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

// FailNext makes the next send return err instead of recording.
func (r *Recorder) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

// Inject delivers an inbound message to the Responses channel.
func (r *Recorder) Inject(msg models.InboundMessage) {
	r.responses <- msg
}
