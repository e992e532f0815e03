package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

const (
	maxFrameBytes          = 8 << 20
	errInvalidRequestBody  = "invalid request body"
	errNoPendingEnrollment = "no enrollment awaiting confirmation"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type statusResponse struct {
	Status     string        `json:"status"`
	Mode       pipeline.Mode `json:"mode"`
	Running    bool          `json:"running"`
	Identities int           `json:"identities"`
}

func (s *Server) status() statusResponse {
	return statusResponse{
		Status:     "ok",
		Mode:       s.pipe.Mode(),
		Running:    s.pipe.Running(),
		Identities: s.store.Len(),
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

// postFrame accepts one JPEG frame. Frames are never queued: a frame the pipeline has not
// picked up yet is replaced by this one.
func (s *Server) postFrame(w http.ResponseWriter, r *http.Request) {
	if s.frames.Closed() {
		respondError(w, http.StatusServiceUnavailable, "frame source closed")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "frame too large")
		return
	}
	if !bytes.HasPrefix(data, utils.JpegSOI) {
		respondError(w, http.StatusBadRequest, "frame must be a JPEG image")
		return
	}

	s.mu.Lock()
	idx := s.frameIndex
	s.frameIndex++
	s.mu.Unlock()

	s.frames.Offer(types.Frame{Index: idx, Data: data, Timestamp: time.Now()})
	respondJSON(w, http.StatusAccepted, map[string]int{"index": idx})
}

func (s *Server) putMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode *pipeline.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody+": "+err.Error())
		return
	}
	if req.Mode == nil {
		respondError(w, http.StatusBadRequest, "mode is required")
		return
	}

	s.takePending()
	s.pipe.SetMode(*req.Mode)
	s.hub.Send(Event{Type: "status", Data: s.status()})
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) putRunning(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Running *bool `json:"running"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Running == nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	s.pipe.SetRunning(*req.Running)
	s.hub.Send(Event{Type: "status", Data: s.status()})
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) cancelRegister(w http.ResponseWriter, r *http.Request) {
	s.takePending()
	s.pipe.CancelRegister()
	w.WriteHeader(http.StatusNoContent)
}

type enrollmentResponse struct {
	SessionID     string     `json:"session_id"`
	Box           types.Rect `json:"box"`
	At            time.Time  `json:"at"`
	Image         []byte     `json:"image"`
	Dimension     int        `json:"dimension"`
	SuggestedName string     `json:"suggested_name"`
}

func (s *Server) getEnrollment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if p == nil {
		respondError(w, http.StatusNotFound, errNoPendingEnrollment)
		return
	}

	respondJSON(w, http.StatusOK, enrollmentResponse{
		SessionID:     p.SessionID,
		Box:           p.Box,
		At:            p.At,
		Image:         p.Image,
		Dimension:     len(p.Embedding),
		SuggestedName: s.store.NextDefaultName(),
	})
}

// confirmEnrollment stores the pending capture under the given name, or the suggested
// default name when none is given. A duplicate name keeps the capture pending so the user
// can pick another.
func (s *Server) confirmEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}
	}

	p := s.takePending()
	if p == nil {
		respondError(w, http.StatusNotFound, errNoPendingEnrollment)
		return
	}

	name := req.Name
	if name == "" {
		name = s.store.NextDefaultName()
	}

	id, err := s.store.Insert(r.Context(), name, p.Image, p.Embedding)
	if err != nil {
		s.restorePending(p)
		switch {
		case errors.Is(err, store.ErrDuplicateName):
			respondError(w, http.StatusConflict, "name already enrolled: "+strings.TrimSpace(name))
		case errors.Is(err, store.ErrEmptyName), errors.Is(err, store.ErrDimensionMismatch), errors.Is(err, store.ErrEmptyEmbedding):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("failed to enroll identity", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to enroll identity")
		}
		return
	}

	rec, _ := s.store.Get(id)
	s.pipe.SetMode(pipeline.ModeVerify)
	s.hub.Send(Event{Type: "identity_enrolled", Data: toIdentity(rec)})
	respondJSON(w, http.StatusCreated, toIdentity(rec))
}

// restorePending puts a capture back unless a newer one arrived meanwhile.
func (s *Server) restorePending(p *pipeline.EnrollmentReady) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = p
	}
}

type identity struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	HasImage  bool      `json:"has_image"`
	CreatedAt time.Time `json:"created_at"`
}

func toIdentity(rec store.Record) identity {
	return identity{
		ID:        rec.ID,
		Name:      rec.Name,
		Dimension: len(rec.Embedding),
		HasImage:  len(rec.Image) > 0,
		CreatedAt: rec.CreatedAt,
	}
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	records := s.store.Records()
	out := make([]identity, 0, len(records))
	for _, rec := range records {
		out = append(out, toIdentity(rec))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) nextName(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"name": s.store.NextDefaultName()})
}

func (s *Server) identityImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return
	}
	rec, ok := s.store.Get(id)
	if !ok || len(rec.Image) == 0 {
		respondError(w, http.StatusNotFound, "image not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(rec.Image)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(jsonData)
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

// events streams decisions, overlays and status changes until the client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.hub.AddListener()
	defer s.hub.RemoveListener(ch)

	sendSSEEvent(w, flusher, "status", s.status())

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, e.Type, e.Data)
		}
	}
}
