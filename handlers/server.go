package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ascend.software/storefront/internal/auth"
	"ascend.software/storefront/internal/checkout"
	"ascend.software/storefront/internal/logger"
	"ascend.software/storefront/internal/ratelimit"
	"ascend.software/storefront/models"
	"ascend.software/storefront/storage"
)

const maxBodyBytes = int64(65536)

// Headers the storefront client sends on cross-origin calls.
var allowedHeaders = []string{
	"authorization",
	"x-client-info",
	"apikey",
	"content-type",
	"x-supabase-client-platform",
	"x-supabase-client-platform-version",
	"x-supabase-client-runtime",
	"x-supabase-client-runtime-version",
}

type Options struct {
	Storage  storage.Storage
	Gateway  checkout.Gateway
	Mailer   checkout.Mailer
	Verifier *auth.Verifier

	// Limiter guards the checkout and validation endpoints; nil disables it.
	Limiter ratelimit.RateLimit

	// TrustedProxies may rewrite the client address through forwarding
	// headers. Requests from anywhere else are keyed on the socket address.
	TrustedProxies []*net.IPNet

	BrandName string
	Version   string
}

type Server struct {
	Router  chi.Router
	Storage storage.Storage

	orders   *checkout.OrderService
	captures *checkout.CaptureService
	limiter  ratelimit.RateLimit
	version  string
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHttpServer(opts Options) *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		Storage:  opts.Storage,
		orders:   checkout.NewOrderService(opts.Gateway, opts.BrandName),
		captures: checkout.NewCaptureService(opts.Gateway, opts.Storage, opts.Mailer),
		limiter:  opts.Limiter,
		version:  opts.Version,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(trustedRealIP(opts.TrustedProxies))
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: allowedHeaders,
		MaxAge:         300,
	}))
	r.Use(auth.Middleware(opts.Verifier))

	r.Get("/health", s.Health)
	r.Get("/catalog", s.Catalog)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/create-paypal-order", s.CreatePayPalOrder)
		r.Post("/capture-paypal-order", s.CapturePayPalOrder)
	})

	r.Route("/licenses", func(r chi.Router) {
		r.With(s.rateLimit).Post("/validate", s.ValidateLicense)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)
			r.Get("/", s.ListLicenses)
			r.Post("/claim", s.ClaimLicenses)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"products": models.Catalog(),
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		addr := clientAddr(r)
		if !s.limiter.Allow(addr) {
			logger.Warn("Rate limit exceeded", map[string]interface{}{
				"remote_addr": addr,
				"path":        r.URL.Path,
			})
			writeErrorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trustedRealIP applies chi's RealIP only to requests arriving from a
// trusted proxy.
func trustedRealIP(trusted []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		forwarded := middleware.RealIP(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := net.ParseIP(clientAddr(r))
			for _, network := range trusted {
				if ip != nil && network.Contains(ip) {
					forwarded.ServeHTTP(w, r)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr strips the port RemoteAddr carries when no proxy header set it.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("Request handled", map[string]interface{}{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		})
	})
}

var errInvalidBody = errors.New("invalid request body")

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

// reportError forwards collaborator failures to Sentry. Client mistakes are
// only logged.
func reportError(r *http.Request, err error) {
	if checkout.IsClientError(err) {
		return
	}
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
