package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// maxBodyBytes bounds request bodies; every request type is a few fields.
const maxBodyBytes = 1 << 16

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Refunded  bool   `json:"refunded,omitempty"`
	Reference string `json:"payment_reference,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal","retryable":true}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// StatusFor maps an error kind onto its HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindVerification:
		return http.StatusPaymentRequired
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err and writes the error envelope. Internal errors
// are logged with their full chain and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	body := errorResponse{
		Error:     domain.PublicMessage(err),
		Code:      string(kind),
		Retryable: domain.Retryable(err),
	}
	var refunded *domain.RefundedError
	if errors.As(err, &refunded) {
		body.Refunded = true
		body.Reference = refunded.PaymentReference
		body.Amount = refunded.Amount
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

// writeBadRequest reports a malformed request.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: string(domain.KindValidation)})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
// An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. since/until accept RFC 3339.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return domain.ListOpts{}, fmt.Errorf("%s must be RFC 3339", name)
		}
		*dst = &t
	}
	return opts, nil
}

// queryRoundID reads the optional round_id parameter; 0 means "current" or
// "latest" depending on the endpoint.
func queryRoundID(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("round_id")
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("round_id must be a positive integer")
	}
	return id, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("handler", handler))
}

// totalsOrEmpty keeps ticket totals a JSON array even when nil.
func totalsOrEmpty(totals []int64) []int64 {
	if totals == nil {
		return []int64{}
	}
	return totals
}
