package sseutil

import (
	"strings"
	"testing"
)

func TestReaderFrames(t *testing.T) {
	t.Parallel()

	body := strings.Join([]string{
		"event: content_block_delta",
		`data: {"delta":{"text":"Paris"}}`,
		"",
		": keep-alive",
		"retry: 5000",
		"id: 7",
		`data:{"compact":true}`,
		"data: [DONE]",
		"",
	}, "\n")

	r := NewReader(strings.NewReader(body))
	var frames []Frame
	for {
		f, ok := r.Next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("read error: %v", err)
	}

	want := []Frame{
		{Event: "content_block_delta"},
		{Data: `{"delta":{"text":"Paris"}}`},
		{Data: `{"compact":true}`}, // no space after the colon is valid SSE
		{Data: "[DONE]"},
	}
	if len(frames) != len(want) {
		t.Fatalf("frames = %+v, want %d entries", frames, len(want))
	}
	for i, f := range frames {
		if f != want[i] {
			t.Errorf("frame[%d] = %+v, want %+v", i, f, want[i])
		}
	}
}

func TestParseField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want Frame
		ok   bool
	}{
		{name: "data", line: `data: {"id":"1"}`, want: Frame{Data: `{"id":"1"}`}, ok: true},
		{name: "event", line: "event: message_start", want: Frame{Event: "message_start"}, ok: true},
		{name: "sentinel", line: "data: [DONE]", want: Frame{Data: "[DONE]"}, ok: true},
		{name: "blank", line: ""},
		{name: "comment", line: ": keep-alive"},
		{name: "no colon", line: "garbage"},
		{name: "ignored field", line: "retry: 5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseField(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("frame = %+v, want %+v", got, tt.want)
			}
		})
	}
}
