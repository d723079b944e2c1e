package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/provider/sseutil"
)

// readStream reads Gemini SSE events and emits canonical StreamEvents.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel -- it is
// EOF-terminated. Each "data:" line contains a full JSON response chunk.
// Usage is cumulative; the last seen values are emitted at the end.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamEvent, model string) {
	defer close(ch)
	defer body.Close()

	rd := sseutil.NewReader(body)
	id := "gemini-" + model

	var lastUsage *gateway.Usage
	for {
		f, ok := rd.Next()
		if !ok {
			break
		}
		if f.Data == "" {
			continue
		}

		r := gjson.Parse(f.Data)
		text := r.Get("candidates.0.content.parts.0.text").String()
		finishReason := mapStopReason(r.Get("candidates.0.finishReason").String())

		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &gateway.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		var ev gateway.StreamEvent
		switch {
		case text != "":
			ev = sseutil.DeltaEvent(id, model, map[string]any{"content": text}, finishReason)
		case finishReason != "":
			ev = sseutil.FinishEvent(id, model, finishReason)
		default:
			continue
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: ctx.Err()}
			return
		}
	}

	if err := rd.Err(); err != nil {
		ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: fmt.Errorf("gemini: read stream: %w", err)}
		return
	}

	if lastUsage != nil {
		ch <- sseutil.UsageEvent(id, model, lastUsage)
	}
	ch <- gateway.StreamEvent{Kind: gateway.EventDone}
}
