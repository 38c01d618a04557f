// Package httpapi implements the Control API (spec §6): HTTP handlers
// consumed by the UI. The orchestrator itself is driven by its own stop
// channel, never directly by HTTP — handlers here only start/stop it and
// read/write the shared Live-State Publisher. Grounded on the teacher's
// internal/server/server.go (CORS middleware, trace middleware, websocket
// broadcaster pattern), adapted from a gRPC-backed orchestrator to this
// spec's listener/pipeline/livestate stack.
package httpapi

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/xid"

	"github.com/jarvin-ai/listener/internal/audio"
	"github.com/jarvin-ai/listener/internal/capability"
	"github.com/jarvin-ai/listener/internal/config"
	"github.com/jarvin-ai/listener/internal/listener"
	"github.com/jarvin-ai/listener/internal/livestate"
	"github.com/jarvin-ai/listener/internal/persistence"
	"github.com/jarvin-ai/listener/internal/pipeline"
	"github.com/jarvin-ai/listener/internal/trace"
)

// wsPollInterval bounds how long a /ws/live connection blocks in wait_next
// before checking whether the socket has been closed by the client.
const wsPollInterval = 30 * time.Second

// Server wires the Control API onto the core packages.
type Server struct {
	cfg       *config.Config
	live      *livestate.Publisher
	store     *persistence.Store
	processor *pipeline.Processor
	asr       capability.ASR

	newListener func() *listener.Listener

	mu        sync.Mutex
	current   *listener.Listener
	listening bool

	shutdownCh chan struct{}
	shutdownOnce sync.Once
}

// New builds a Server. newListener constructs a fresh Listener for each
// /start call, since a Listener's stop channel is one-shot.
func New(cfg *config.Config, live *livestate.Publisher, store *persistence.Store, processor *pipeline.Processor, asr capability.ASR, newListener func() *listener.Listener) *Server {
	return &Server{
		cfg:         cfg,
		live:        live,
		store:       store,
		processor:   processor,
		asr:         asr,
		newListener: newListener,
		shutdownCh:  make(chan struct{}),
	}
}

// ShutdownRequested returns a channel closed once /shutdown has been
// called; cmd/server selects on this to exit the process gracefully.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Handler returns the HTTP handler with CORS + trace middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /audio/devices", s.handleAudioDevices)
	mux.HandleFunc("POST /audio/select", s.handleAudioSelect)
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /ws/live", s.handleWSLive)

	return s.corsMiddleware(trace.Middleware(mux))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := s.cfg.Server.CORSAllowOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(allowed) > 0 && allowed[0] != "*" {
			origin = allowed[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type liveResponse struct {
	Seq        uint64  `json:"seq"`
	Ts         string  `json:"ts"`
	Transcript *string `json:"transcript,omitempty"`
	Reply      *string `json:"reply,omitempty"`
	UtterMs    *int    `json:"utter_ms,omitempty"`
	CycleMs    *int    `json:"cycle_ms,omitempty"`
	WavPath    *string `json:"wav_path,omitempty"`
	TTSUrl     *string `json:"tts_url,omitempty"`
	Recording  bool    `json:"recording"`
	Processing bool    `json:"processing"`
}

func snapshotToResponse(s livestate.Snapshot) liveResponse {
	r := liveResponse{Seq: s.Seq, Ts: s.Ts.Format(time.RFC3339Nano), Recording: s.Recording, Processing: s.Processing}
	if s.HasText {
		r.Transcript = &s.Transcript
	}
	if s.HasReply {
		r.Reply = &s.Reply
	}
	if s.HasUtterMs {
		r.UtterMs = &s.UtterMs
	}
	if s.HasCycleMs {
		r.CycleMs = &s.CycleMs
	}
	if s.WavPath != "" {
		r.WavPath = &s.WavPath
	}
	if s.TTSUrl != "" {
		r.TTSUrl = &s.TTSUrl
	}
	return r
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, snapshotToResponse(s.live.Snapshot()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"listening": listening})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.startListener(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.stopListener()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.stopListener()
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
}

func (s *Server) startListener(ctx context.Context) {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return
	}
	l := s.newListener()
	s.current = l
	s.listening = true
	s.mu.Unlock()

	// The request context is cancelled once the handler returns; keep its
	// values but not its cancellation so the listener outlives the request.
	ctx = context.WithoutCancel(ctx)
	go func() {
		_ = l.Run(ctx, 0) // no initial delay on a manually-triggered start
		s.mu.Lock()
		if s.current == l {
			s.listening = false
		}
		s.mu.Unlock()
	}()
}

func (s *Server) stopListener() {
	s.mu.Lock()
	l := s.current
	s.mu.Unlock()
	if l != nil {
		l.Stop()
	}
}

func (s *Server) handleAudioDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := audio.ListDevices()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type audioSelectRequest struct {
	Index   *int `json:"index"`
	Restart bool `json:"restart"`
}

func (s *Server) handleAudioSelect(w http.ResponseWriter, r *http.Request) {
	var req audioSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current != nil {
		current.SelectDevice(req.Index)
	}

	if req.Restart {
		s.stopListener()
		s.startListener(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file field"})
		return
	}
	defer file.Close()

	path, err := saveUpload(s.cfg.Audio.TempDir, file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer os.Remove(path)

	text, err := s.asr.Transcribe(r.Context(), path)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcribed_text": text})
}

func saveUpload(dir string, src multipart.File) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "upload_"+xid.New().String()+".wav")
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return "", werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return path, nil
}

type chatRequest struct {
	UserText           string  `json:"user_text"`
	Context            string  `json:"context"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"max_tokens"`
	SystemInstructions string  `json:"system_instructions"`
	UseHistory         bool    `json:"use_history"`
	HistoryWindow      int     `json:"history_window"`
	UseProfile         bool    `json:"use_profile"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	reply, err := s.processor.ReplyWithContext(r.Context(), capability.ReplyRequest{
		SystemInstructions: req.SystemInstructions,
		UserText:           req.UserText,
		Context:            req.Context,
		Temperature:        req.Temperature,
		MaxTokens:          req.MaxTokens,
	}, s.store, persistence.DefaultConversationID, req.UseHistory, req.HistoryWindow, req.UseProfile)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// handleWSLive streams live-state snapshots as they become available,
// reusing wait_next under the hood (spec's DOMAIN STACK note on
// coder/websocket).
func (s *Server) handleWSLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		trace.Logger(r.Context()).Error("websocket accept error", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	var since *uint64
	for {
		timeout := wsPollInterval
		snap := s.live.WaitNext(since, &timeout)
		seq := snap.Seq
		since = &seq

		if err := wsjson.Write(ctx, conn, snapshotToResponse(snap)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
