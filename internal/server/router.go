// Package server presents the two external surfaces: the REST
// credential facade and the authenticated WebSocket upgrade path.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/sealbase/internal/service"
	"github.com/and161185/sealbase/internal/ws"
)

// hstsValue pins HTTPS for two years on every response.
const hstsValue = "max-age=63072000; includeSubDomains; preload"

// Server wires HTTP handlers to the application services.
type Server struct {
	auth     service.AuthService
	conns    *ws.Handler
	pubKey   []byte
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New constructs the router.
func New(auth service.AuthService, conns *ws.Handler, serverPublicKey []byte, log *zap.Logger) *Server {
	return &Server{
		auth:   auth,
		conns:  conns,
		pubKey: serverPublicKey,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browser clients present the app id, not an origin allowlist
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the handler tree with the ambient middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/api/", s.handleUpgrade)
	mux.HandleFunc("POST /v1/api/auth/sign-up", s.handleSignUp)
	mux.HandleFunc("POST /v1/api/auth/sign-in", s.handleSignIn)
	mux.HandleFunc("POST /v1/api/auth/sign-in-with-session", s.handleSignInWithSession)
	mux.HandleFunc("POST /v1/api/auth/sign-out", s.handleSignOut)
	mux.HandleFunc("GET /v1/api/auth/server-public-key", s.handleServerPublicKey)
	mux.HandleFunc("GET /v1/api/auth/get-password-salts", s.handlePasswordSalts)
	mux.HandleFunc("GET /ping", s.handlePing)
	return s.withLogging(withHSTS(mux))
}

func withHSTS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", hstsValue)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("Healthy"))
}

func (s *Server) handleServerPublicKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(s.pubKey)
}

// sessionCredential pulls the session token from the Authorization
// header or the sessionToken cookie.
func sessionCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if c, err := r.Cookie("sessionToken"); err == nil {
		return c.Value
	}
	return ""
}

// handleUpgrade authenticates the session credential, then hands the
// socket to the connection core. Unauthenticated upgrades are rejected
// before the WebSocket handshake completes.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := sessionCredential(r)
	if token == "" {
		http.Error(w, "Missing session credential", http.StatusUnauthorized)
		return
	}
	user, sess, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "Invalid session", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	adminID := r.Header.Get("Admin-Id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	s.conns.Serve(r.Context(), conn, user, sess, clientID, adminID)
}
