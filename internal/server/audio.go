package server

import (
	"io"
	"net/http"
	"strconv"

	gateway "github.com/palisade-ai/palisade/internal"
)

// maxAudioBody bounds transcription uploads (25 MB, matching common
// provider limits).
const maxAudioBody = 25 << 20

// handleTranscription accepts a multipart audio upload and dispatches a
// speech-to-text request.
func (s *server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)
	if err := r.ParseMultipartForm(maxAudioBody); err != nil {
		s.writeError(w, gateway.E(gateway.CodeValidationInvalid, "invalid multipart body: %s", err.Error()))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, gateway.E(gateway.CodeValidationInvalid, "file is required"))
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, gateway.E(gateway.CodeValidationInvalid, "read upload: %s", err.Error()))
		return
	}

	req := &gateway.TranscriptionRequest{
		Model:    r.FormValue("model"),
		Audio:    audio,
		Filename: header.Filename,
		Language: r.FormValue("language"),
		Prompt:   r.FormValue("prompt"),
	}
	if raw := r.FormValue("temperature"); raw != "" {
		t, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			s.writeError(w, gateway.E(gateway.CodeValidationInvalid, "invalid temperature"))
			return
		}
		req.Temp = t
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, meta, err := s.deps.Dispatcher.Transcribe(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	setMetaHeaders(w, meta)
	s.observeMeta(meta)
	writeJSON(w, http.StatusOK, resp)
}

var audioFallbackCT = []string{"audio/mpeg"}

// handleSpeech dispatches a text-to-speech request and returns raw audio.
func (s *server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req gateway.SpeechRequest
	if !s.decodeRequestBody(w, r, &req) {
		return
	}
	if req.Input == "" {
		s.writeError(w, gateway.E(gateway.CodeValidationInvalid, "input is required"))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, meta, err := s.deps.Dispatcher.Speak(ctx, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	setMetaHeaders(w, meta)
	s.observeMeta(meta)

	ct := audioFallbackCT
	if resp.ContentType != "" {
		ct = []string{resp.ContentType}
	}
	w.Header()["Content-Type"] = ct
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Audio)
}
