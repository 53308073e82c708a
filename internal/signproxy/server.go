// Package signproxy runs the localhost signing proxy handed to the agent
// subprocess. The agent receives a URL and a bearer secret through its
// environment; the private key never leaves the worker process.
package signproxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jinnlabs/jinn-worker/internal/chain"
	"github.com/jinnlabs/jinn-worker/internal/metrics"
	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
	"github.com/jinnlabs/jinn-worker/internal/pkg/response"
)

// Environment variable names used to hand the proxy to the agent subprocess.
const (
	EnvURL    = "JINN_SIGNER_URL"
	EnvSecret = "JINN_SIGNER_SECRET"
)

const (
	bodyReadTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 20
)

// KeySource yields the signing key plus a generation counter that advances
// on service rotation, invalidating the cached address.
type KeySource interface {
	AgentPrivateKey() (*ecdsa.PrivateKey, error)
	Generation() uint64
}

// Dispatcher submits a marketplace request on the agent's behalf.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*chain.MarketplaceResult, error)
}

// Handoff carries what the agent subprocess needs to reach the proxy.
type Handoff struct {
	URL    string
	Secret string
}

// Environ renders the handoff as environment entries for the subprocess.
func (h Handoff) Environ() []string {
	return []string{
		EnvURL + "=" + h.URL,
		EnvSecret + "=" + h.Secret,
	}
}

// Server is the signing proxy HTTP server.
type Server struct {
	keys        KeySource
	dispatcher  Dispatcher
	secret      string
	bodyTimeout time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	cachedAddr string
	cachedGen  uint64

	httpServer *http.Server
	listener   net.Listener
}

// New builds a proxy around the key source. It fails when no signing key is
// available so a broken profile is caught before any agent is spawned.
func New(keys KeySource, dispatcher Dispatcher, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := keys.AgentPrivateKey(); err != nil {
		return nil, fmt.Errorf("signing key unavailable: %w", err)
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	return &Server{
		keys:        keys,
		dispatcher:  dispatcher,
		secret:      secret,
		bodyTimeout: bodyReadTimeout,
		logger:      logger.With("component", "signproxy"),
	}, nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate proxy secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Start binds to a random localhost port and serves in the background.
func (s *Server) Start() (Handoff, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Handoff{}, fmt.Errorf("failed to bind signing proxy: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("signing proxy stopped", slog.String("error", err.Error()))
		}
	}()

	handoff := Handoff{URL: "http://" + listener.Addr().String(), Secret: s.secret}
	s.logger.Info("signing proxy listening", slog.String("url", handoff.URL))
	return handoff, nil
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.observe)
	r.Use(s.requireBearer)

	r.Get("/address", s.handleAddress)
	r.Post("/sign", s.handleSign)
	r.Post("/sign-raw", s.handleSignRaw)
	r.Post("/sign-typed-data", s.handleSignTypedData)
	r.Post("/dispatch", s.handleDispatch)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, apierror.ErrNotFound)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.ProxyRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.writeError(w, apierror.ErrUnauthorized)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			s.writeError(w, apierror.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readBody drains the request body under the read timeout. Slow bodies are
// answered with 408 rather than holding the serving loop open.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		ch <- result{data, err}
	}()

	timer := time.NewTimer(s.bodyTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, apierror.ErrBadRequest.WithMessage("Failed to read request body")
		}
		return res.data, nil
	case <-timer.C:
		return nil, apierror.ErrRequestTimeout
	case <-r.Context().Done():
		return nil, apierror.ErrRequestTimeout
	}
}

var keyShapePattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// Redact masks any 32-byte hex string so error paths can never echo a
// private key back to the caller.
func Redact(message string) string {
	return keyShapePattern.ReplaceAllString(message, "[redacted]")
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr := apierror.AsAPIError(err)
	response.JSON(w, apiErr.StatusCode, response.ErrorBody{
		Error: Redact(apiErr.Message),
		Code:  apiErr.Code,
	})
}
