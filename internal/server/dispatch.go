package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/pkg/domain"
)

// dataHandler is the typed body of one data-plane endpoint: decoded
// parameters in, JSON-encodable return plus optional binary payload out.
type dataHandler[P any, R any] func(b *backend, ctx context.Context, param P, payload []byte) (R, []byte, error)

// accountsHandler is the typed body of one accounts-plane endpoint.
type accountsHandler[P any, R any] func(s *Server, ctx context.Context, param P) (R, error)

// handle wraps a data-plane endpoint body into an http.HandlerFunc that does
// domain resolution, authentication, parameter decoding, fault injection,
// per-account serialization, and response/error encoding.
func handle[P any, R any](s *Server, endpoint string, fn dataHandler[P, R]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RecordRequestStart(endpoint)
		defer s.metrics.RecordRequestEnd(endpoint)

		err := serveData(s, w, r, endpoint, fn)
		s.metrics.RecordRequest(endpoint, time.Since(start), err)
	}
}

func serveData[P any, R any](s *Server, w http.ResponseWriter, r *http.Request, endpoint string, fn dataHandler[P, R]) error {
	ctx := r.Context()

	domainID := r.Header.Get("x-domain")
	if domainID == "" {
		logger.Error("%s: no domain specified", endpoint)
		return writeError(w, domain.ErrParameter())
	}

	b, err := s.backendFor(ctx, domain.AccountID(domainID))
	if err != nil {
		logger.Error("%s: unknown domain %q", endpoint, domainID)
		return writeError(w, err)
	}

	if r.Header.Get("x-authorization") != b.account.Secret {
		logger.Error("%s/%s: missing authorization", b.account.DisplayName, endpoint)
		return writeError(w, domain.ErrAuthRequired())
	}
	if b.account.Flags.Has(domain.AccountOffline) {
		logger.Error("%s/%s: account offline", b.account.DisplayName, endpoint)
		return writeError(w, domain.ErrTimedOut())
	}

	param, payload, err := decodeRequest[P](r)
	if err != nil {
		logger.Error("%s/%s: malformed arguments: %v", b.account.DisplayName, endpoint, err)
		return writeError(w, domain.ErrParameter())
	}
	if len(payload) > 0 {
		s.metrics.RecordBytesTransferred("read", int64(len(payload)))
	}

	if s.cfg.ResponseDelay > 0 {
		time.Sleep(s.cfg.ResponseDelay)
	}
	if simErr := s.randomFailure(); simErr != nil {
		logger.Warn("%s/%s: injected %s", b.account.DisplayName, endpoint, simErr.Kind)
		return writeError(w, simErr)
	}

	b.mu.Lock()
	ret, binary, err := fn(b, ctx, param, payload)
	b.mu.Unlock()
	if err != nil {
		logger.Error("%s/%s: %v", b.account.DisplayName, endpoint, err)
		return writeError(w, err)
	}

	return s.writeResponse(ctx, w, ret, binary)
}

// handleAccounts wraps an accounts-plane endpoint. The accounts plane skips
// domain authentication and serializes through a single shared mutex.
func handleAccounts[P any, R any](s *Server, endpoint string, fn accountsHandler[P, R]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RecordRequestStart(endpoint)
		defer s.metrics.RecordRequestEnd(endpoint)

		err := serveAccounts(s, w, r, endpoint, fn)
		s.metrics.RecordRequest(endpoint, time.Since(start), err)
	}
}

func serveAccounts[P any, R any](s *Server, w http.ResponseWriter, r *http.Request, endpoint string, fn accountsHandler[P, R]) error {
	param, _, err := decodeRequest[P](r)
	if err != nil {
		logger.Error("accounts/%s: malformed arguments: %v", endpoint, err)
		return writeError(w, domain.ErrParameter())
	}

	s.accountsMu.Lock()
	ret, err := fn(s, r.Context(), param)
	s.accountsMu.Unlock()
	if err != nil {
		logger.Error("accounts/%s: %v", endpoint, err)
		return writeError(w, err)
	}

	return s.writeResponse(r.Context(), w, ret, nil)
}

// decodeRequest parses the JSON parameters from the "arguments" query item
// and reads the binary payload from the body.
func decodeRequest[P any](r *http.Request) (P, []byte, error) {
	var param P

	args := r.URL.Query().Get("arguments")
	if args == "" {
		return param, nil, domain.ErrParameter()
	}
	if err := json.Unmarshal([]byte(args), &param); err != nil {
		return param, nil, err
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return param, nil, err
	}
	return param, payload, nil
}

// writeResponse encodes the return value. Plain calls get the JSON as the
// body; calls with a binary payload get the JSON base64-encoded in the
// API-Response header and the payload as the body, throttled when a
// bandwidth limit is configured.
func (s *Server) writeResponse(ctx context.Context, w http.ResponseWriter, ret any, binary []byte) error {
	body, err := json.Marshal(ret)
	if err != nil {
		return writeError(w, domain.ErrInternal())
	}

	if binary == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return nil
	}

	w.Header().Set("API-Response", base64.StdEncoding.EncodeToString(body))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(s.limiter.Writer(ctx, w), bytes.NewReader(binary))
	if n > 0 {
		s.metrics.RecordBytesTransferred("write", n)
	}
	return err
}

// writeError translates an error into the wire error shape: non-200 status
// with the JSON-encoded domain error in the X-API-Error header. Returns the
// error so dispatch wrappers can record the outcome.
func writeError(w http.ResponseWriter, err error) error {
	var de *domain.Error
	if !errors.As(err, &de) {
		// Unexpected failures must not leak internals to clients.
		de = domain.ErrInternal()
	}

	encoded, marshalErr := json.Marshal(de)
	if marshalErr == nil {
		w.Header().Set(domain.ErrorHeader, string(encoded))
	}
	http.Error(w, de.Error(), statusFor(de.Kind))
	return err
}

// statusFor maps error kinds onto HTTP status codes. The status is advisory;
// clients branch on the error kind in the header.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindParameterError:
		return http.StatusBadRequest
	case domain.KindItemNotFound, domain.KindDomainNotFound:
		return http.StatusNotFound
	case domain.KindItemExists, domain.KindWrongRevision, domain.KindTokenExpired,
		domain.KindDeletionRejected, domain.KindAccountExists:
		return http.StatusConflict
	case domain.KindTimedOut:
		return http.StatusRequestTimeout
	case domain.KindAuthRequired, domain.KindInsufficientQuota:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// randomFailure rolls the configured error rate and fabricates a simulated
// failure when it hits.
func (s *Server) randomFailure() *domain.Error {
	if s.cfg.ErrorRate <= 0 {
		return nil
	}
	if rand.Float64()*100 >= s.cfg.ErrorRate {
		return nil
	}

	kind := s.cfg.ErrorKind
	if kind == FailBoth {
		if rand.Intn(2) == 0 {
			kind = FailServer
		} else {
			kind = FailClient
		}
	}
	if kind == FailClient {
		return domain.ErrClientCrashing()
	}
	return domain.ErrInternal()
}
