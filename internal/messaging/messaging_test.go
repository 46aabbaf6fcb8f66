package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func TestFormatOptions(t *testing.T) {
	got := FormatOptions("How did today go?", []string{"Did it", "Partly", "Not today"})
	want := "How did today go?\n\n1. Did it\n2. Partly\n3. Not today"
	if got != want {
		t.Errorf("FormatOptions = %q, want %q", got, want)
	}
	if got := FormatOptions("plain", nil); got != "plain" {
		t.Errorf("FormatOptions with no options = %q", got)
	}
}

func TestRecorderCapturesMessages(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	if err := r.SendMessage(ctx, "p1", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := r.SendMessageWithOptions(ctx, "p1", "pick one", []string{"a", "b"}); err != nil {
		t.Fatalf("SendMessageWithOptions failed: %v", err)
	}

	sent := r.Sent()
	if len(sent) != 2 {
		t.Fatalf("recorded %d messages, want 2", len(sent))
	}
	if sent[0].To != "p1" || sent[0].Body != "hello" || sent[0].Options != nil {
		t.Errorf("first message = %+v", sent[0])
	}
	if len(sent[1].Options) != 2 {
		t.Errorf("second message options = %v", sent[1].Options)
	}

	r.Reset()
	if len(r.Sent()) != 0 {
		t.Error("Reset did not clear recorded messages")
	}
}

func TestRecorderFailNext(t *testing.T) {
	r := NewRecorder()
	wantErr := errors.New("transport down")
	r.FailNext(wantErr)

	if err := r.SendMessage(context.Background(), "p1", "first"); !errors.Is(err, wantErr) {
		t.Fatalf("expected injected error, got %v", err)
	}
	// Only the next send fails; the failure also leaves no record.
	if err := r.SendMessage(context.Background(), "p1", "second"); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	sent := r.Sent()
	if len(sent) != 1 || sent[0].Body != "second" {
		t.Errorf("recorded = %+v", sent)
	}
}

func TestRecorderInject(t *testing.T) {
	r := NewRecorder()
	r.Inject(models.InboundMessage{MessageID: "m1", ParticipantID: "p1", Text: "hi"})

	select {
	case in := <-r.Responses():
		if in.MessageID != "m1" || in.Text != "hi" {
			t.Errorf("received = %+v", in)
		}
	default:
		t.Fatal("injected message not available on the responses channel")
	}
}
