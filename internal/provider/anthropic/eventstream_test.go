package anthropic

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	gateway "github.com/palisade-ai/palisade/internal"
)

// encodeEvent builds a binary event stream frame with a base64-wrapped
// Anthropic event JSON payload.
func encodeEvent(t *testing.T, eventType, anthropicJSON string) []byte {
	t.Helper()
	b64 := base64.StdEncoding.EncodeToString([]byte(anthropicJSON))
	payload := []byte(`{"bytes":"` + b64 + `"}`)

	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":event-type", Value: eventstream.StringValue(eventType)},
		},
		Payload: payload,
	}

	var buf bytes.Buffer
	encoder := eventstream.NewEncoder()
	if err := encoder.Encode(&buf, msg); err != nil {
		t.Fatalf("encode event: %v", err)
	}
	return buf.Bytes()
}

// encodeException builds a binary event stream exception frame.
func encodeException(t *testing.T, exType, message string) []byte {
	t.Helper()
	msg := eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("exception")},
			{Name: ":exception-type", Value: eventstream.StringValue(exType)},
		},
		Payload: []byte(message),
	}
	var buf bytes.Buffer
	encoder := eventstream.NewEncoder()
	if err := encoder.Encode(&buf, msg); err != nil {
		t.Fatalf("encode exception: %v", err)
	}
	return buf.Bytes()
}

func TestReadBedrockStream(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(encodeEvent(t, "message_start",
		`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-6","usage":{"input_tokens":10}}}`))
	stream.Write(encodeEvent(t, "content_block_delta",
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`))
	stream.Write(encodeEvent(t, "content_block_delta",
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`))
	stream.Write(encodeEvent(t, "message_delta",
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`))
	stream.Write(encodeEvent(t, "message_stop",
		`{"type":"message_stop"}`))

	ch := make(chan gateway.StreamEvent, 16)
	go readBedrockStream(t.Context(), io.NopCloser(&stream), ch)

	var events []gateway.StreamEvent
	for ev := range ch {
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		events = append(events, ev)
	}

	// role delta, 2 text deltas, finish, usage, done.
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}
	if events[len(events)-1].Kind != gateway.EventDone {
		t.Error("stream should end with done")
	}
	usageEv := events[4]
	if usageEv.Kind != gateway.EventUsage || usageEv.Usage == nil {
		t.Fatalf("event 4 = %+v, want usage", usageEv)
	}
	if usageEv.Usage.PromptTokens != 10 || usageEv.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v, want 10/5", usageEv.Usage)
	}
}

func TestReadBedrockStream_Exception(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(encodeException(t, "throttlingException", `{"message":"slow down"}`))

	ch := make(chan gateway.StreamEvent, 4)
	go readBedrockStream(t.Context(), io.NopCloser(&stream), ch)

	var last gateway.StreamEvent
	for ev := range ch {
		last = ev
	}
	if last.Kind != gateway.EventError || last.Err == nil {
		t.Fatalf("want error event, got %+v", last)
	}
	if !strings.Contains(last.Err.Error(), "throttlingException") {
		t.Errorf("err = %v, want exception type included", last.Err)
	}
}

func TestExtractEventBytes_Malformed(t *testing.T) {
	t.Parallel()

	if _, err := extractEventBytes([]byte(`{}`)); err == nil {
		t.Error("missing bytes field should error")
	}
	if _, err := extractEventBytes([]byte(`{"bytes":"%%%not-base64"}`)); err == nil {
		t.Error("invalid base64 should error")
	}
}
