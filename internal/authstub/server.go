// Package authstub is a development stand-in for the authentication
// service. It implements exactly the network contract the gateway
// consumes (register, login, verify) against an in-memory user store,
// so the gateway can be run and tested end to end without the real
// service. It is not the auth service: no persistence, no password
// reset, no profile endpoints.
package authstub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL matches the expiry the real auth service issues.
const DefaultTokenTTL = time.Hour

type user struct {
	ID           string
	Name         string
	Email        string
	PasswordHash []byte
}

type tokenClaims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Server holds the stub's state.
type Server struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.RWMutex
	users map[string]*user // keyed by email
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source used for token issue and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.tokenTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New constructs a stub signing tokens with secret.
func New(secret string, opts ...Option) *Server {
	s := &Server{
		secret:   []byte(secret),
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
		logger:   slog.Default(),
		users:    make(map[string]*user),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the stub's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/verify", s.handleVerify)
	return r
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeMessage(w, http.StatusBadRequest, "email and password required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("hash password", slog.String("error", err.Error()))
		writeMessage(w, http.StatusInternalServerError, "Server error during registration")
		return
	}

	s.mu.Lock()
	if _, exists := s.users[req.Email]; exists {
		s.mu.Unlock()
		writeMessage(w, http.StatusBadRequest, "User already exists with this email")
		return
	}
	u := &user{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
	}
	s.users[req.Email] = u
	s.mu.Unlock()

	writeBody(w, http.StatusCreated, map[string]any{
		"user": map[string]string{"id": u.ID, "name": u.Name, "email": u.Email},
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "email and password required")
		return
	}

	s.mu.RLock()
	u, ok := s.users[req.Email]
	s.mu.RUnlock()
	if !ok {
		writeMessage(w, http.StatusNotFound, "User not found")
		return
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)); err != nil {
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	now := s.now()
	claims := tokenClaims{
		ID:    u.ID,
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		s.logger.Error("sign token", slog.String("error", err.Error()))
		writeMessage(w, http.StatusInternalServerError, "Server error during login")
		return
	}

	writeBody(w, http.StatusOK, map[string]any{
		"access_token": token,
		"user":         map[string]string{"id": u.ID, "name": u.Name, "email": u.Email},
	})
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeMessage(w, http.StatusUnauthorized, "No token provided")
		return
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(req.Token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			writeMessage(w, http.StatusUnauthorized, "Token expired")
			return
		}
		writeMessage(w, http.StatusForbidden, "Token Verification Failed")
		return
	}

	// Name comes from the store; tokens only carry id and email.
	name := ""
	s.mu.RLock()
	if u, ok := s.users[claims.Email]; ok {
		name = u.Name
	}
	s.mu.RUnlock()

	writeBody(w, http.StatusOK, map[string]any{
		"valid": true,
		"user": map[string]string{
			"id":    claims.ID,
			"email": claims.Email,
			"name":  name,
		},
	})
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeBody(w, status, map[string]string{"message": msg})
}
