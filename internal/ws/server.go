package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Nayem2203/espcam-server/internal/config"
	"github.com/Nayem2203/espcam-server/internal/frame"
	"github.com/Nayem2203/espcam-server/internal/frontend"
	"github.com/Nayem2203/espcam-server/internal/relay"
	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	jsonBodyLimit   = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// handshakeError is what a socket that failed the handshake receives before
// it is closed.
const handshakeError = "Missing role/userId/espId"

type Server struct {
	config *config.Config
	core   *relay.Core
	frames *frame.Cache
	log    *zap.Logger

	upgrader       websocket.Upgrader
	allowAll       bool
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	limiter        *ipLimiter

	active  atomic.Int64
	started time.Time
}

func NewServer(cfg *config.Config, core *relay.Core, frames *frame.Cache, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		config:         cfg,
		core:           core,
		frames:         frames,
		log:            log.With(zap.String("component", "http")),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			s.allowAll = true
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	if cfg.Server.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/latest", s.handleLatest)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/event", s.handleEvent)
	mux.HandleFunc("/door", s.handleCommand)
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/registerApp", s.handleRegisterApp)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/", frontend.Handler())
}

// Handler returns the routed mux wrapped in the standard middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return securityHeaders(cors(h))
}

// ActiveConnections reports the number of open WebSocket sessions.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *Server) reserve() bool {
	n := s.active.Add(1)
	if limit := s.config.Server.MaxConnections; limit > 0 && n > int64(limit) {
		s.active.Add(-1)
		return false
	}
	return true
}

func (s *Server) release() {
	s.active.Add(-1)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Reserve the slot before upgrading so concurrent dials cannot overshoot.
	if !s.reserve() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.log.Debug("ws upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	q := r.URL.Query()
	role, roleErr := session.ParseRole(q.Get("role"))
	identity := q.Get("userId")
	if role == session.RoleDevice {
		identity = q.Get("espId")
	}
	if roleErr != nil || identity == "" {
		s.release()
		s.rejectHandshake(wsConn, r)
		return
	}

	c := newConn(wsConn, s.config.Relay.SendBuffer, s.log.With(
		zap.String("role", role.String()), zap.String("id", identity)))
	sess := session.New(role, identity, c)

	go func() {
		defer s.release()
		if role == session.RoleApp {
			s.core.ConnectApp(sess)
			defer s.core.DisconnectApp(sess)
			readPump(wsConn, func(msg []byte) { s.core.HandleAppCommand(sess, msg) })
			return
		}
		s.core.ConnectDevice(sess)
		defer s.core.DisconnectDevice(sess)
		readPump(wsConn, func(msg []byte) { s.core.HandleDeviceMessage(sess, msg) })
	}()
}

func (s *Server) rejectHandshake(wsConn *websocket.Conn, r *http.Request) {
	s.log.Info("ws handshake rejected", zap.String("remote", r.RemoteAddr), zap.String("query", r.URL.RawQuery))
	payload, _ := json.Marshal(s.core.ErrorMessage(handshakeError))
	wsConn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsConn.WriteMessage(websocket.TextMessage, payload)
	_ = wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, handshakeError),
		time.Now().Add(writeWait))
	wsConn.Close()
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.UploadMaxBytes)
	data, err := frame.DecodeUpload(r, s.config.Server.UploadMaxBytes)
	if err != nil {
		s.log.Debug("upload rejected", zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	f := s.frames.Publish(data)
	s.core.NotifyFrame(f)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	f, ok := s.frames.Latest()
	if !ok {
		http.Error(w, "No image available", http.StatusNotFound)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(f.Size))
	h.Set("Cache-Control", "no-cache")
	w.Write(f.Data)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+frame.Boundary)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "close")
	h.Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := s.frames.StreamTo(r.Context(), w); err != nil {
		s.log.Debug("stream viewer gone", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

type eventRequest struct {
	Type   string          `json:"type"`
	EspID  string          `json:"espId"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Type == "" || req.EspID == "" {
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}

	s.core.HandleDeviceEvent(req.EspID, relay.Event{
		SourceDeviceID: req.EspID,
		Type:           req.Type,
		Payload:        req.Data,
		TargetUserID:   req.UserID,
	})
	writeJSON(w, map[string]bool{"ok": true})
}

type commandRequest struct {
	EspID  string `json:"espId"`
	Cmd    string `json:"cmd"`
	UserID string `json:"userId"`
}

type commandResponse struct {
	OK bool `json:"ok"`
	relay.CommandResult
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := decodeJSON(w, r, &req); err != nil || req.EspID == "" || req.Cmd == "" {
		http.Error(w, "missing espId or cmd", http.StatusBadRequest)
		return
	}

	res := s.core.HandleCommandRequest(req.EspID, req.Cmd, req.UserID)
	writeJSON(w, commandResponse{OK: true, CommandResult: res})
}

type registerRequest struct {
	UserID string `json:"userId"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
}

func (s *Server) handleRegisterApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil || req.UserID == "" {
		http.Error(w, "need userId", http.StatusBadRequest)
		return
	}
	s.log.Info("app registered",
		zap.String("userId", req.UserID),
		zap.Bool("hasPhone", req.Phone != ""),
		zap.Bool("hasEmail", req.Email != ""))
	writeJSON(w, map[string]bool{"ok": true})
}

type healthResponse struct {
	OK bool `json:"ok"`
	relay.Health
	Streamers int          `json:"streamers"`
	Process   ProcessStats `json:"process"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		OK:        true,
		Health:    s.core.Health(),
		Streamers: s.frames.Streamers(),
		Process:   readProcessStats(s.started),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAll {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves handler on host:port until ctx is cancelled, then
// drains in-flight requests.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, log *zap.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "listen on %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}
