package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

const streamKeepAliveEvery = 15 * time.Second

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !s.decodeRequestBody(w, r, &req) {
		return
	}

	if req.Stream {
		s.handleChatStream(w, r, &req)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, meta, err := s.deps.Dispatcher.Chat(ctx, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	setMetaHeaders(w, meta)
	s.observeMeta(meta)
	writeJSON(w, http.StatusOK, resp)
}

// streamIDHeader exposes the hub registration so the control plane can
// address this stream.
const streamIDHeader = "X-Stream-Id"

// handleChatStream serves an SSE chat completion. No request deadline
// applies; the stream's lifetime is bounded by client disconnect, the
// hub's idle timeout, or an admin close.
func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	handle, err := s.deps.Dispatcher.ChatStream(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	setMetaHeaders(w, handle.Meta)
	w.Header()[streamIDHeader] = []string{handle.Stream.ID}
	s.observeMeta(handle.Meta)

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAliveEvery)
	defer keepAlive.Stop()

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage

	for {
		select {
		case ev, open := <-handle.Events:
			if !open {
				return
			}
			switch ev.Kind {
			case gateway.EventDelta, gateway.EventToolCall:
				writeSSEData(w, ev.Data)
				handle.Stream.Note(len(ev.Data))
				flusher.Flush()

			case gateway.EventUsage:
				if !includeUsage || ev.Usage == nil {
					continue
				}
				chunk, merr := json.Marshal(usageChunk{
					Object: "chat.completion.chunk",
					Model:  handle.Meta.Model,
					Usage:  ev.Usage,
				})
				if merr != nil {
					continue
				}
				writeSSEData(w, chunk)
				handle.Stream.Note(len(chunk))
				flusher.Flush()

			case gateway.EventDone:
				writeSSEDone(w)
				flusher.Flush()
				return

			case gateway.EventError:
				ae := gateway.AsAPIError(ev.Err)
				var body errorBody
				body.Error.Code = string(ae.Code)
				body.Error.Message = ae.Message
				if data, merr := json.Marshal(body); merr == nil {
					writeSSEData(w, data)
				}
				flusher.Flush()
				return
			}

		case n, open := <-handle.Stream.Notices():
			if !open {
				return
			}
			writeSSEEvent(w, n.Event, []byte(n.Data))
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// usageChunk is the terminal usage frame for stream_options.include_usage.
type usageChunk struct {
	Object string         `json:"object"`
	Model  string         `json:"model"`
	Usage  *gateway.Usage `json:"usage"`
}
