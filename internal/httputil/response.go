package httputil

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
)

// MaxJSONBodyBytes bounds request bodies accepted by DecodeJSON.
const MaxJSONBodyBytes = 1 << 20

// ErrorBody is the JSON envelope for error responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error for API clients.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes data as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes a structured error body.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	body := ErrorBody{Error: ErrorDetail{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, body)
}

// WriteError maps err onto the error envelope. Errors that are not
// ServiceErrors are reported as internal without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("", err)
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteErrorResponse(w, r, status, string(se.Code), se.Message, se.Details)
}

// BadRequest writes a 400 response.
func BadRequest(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusBadRequest, string(svcerrors.CodeInvalidInput), message, nil)
}

// Unauthorized writes a 401 response.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Authentication required"
	}
	WriteErrorResponse(w, nil, http.StatusUnauthorized, string(svcerrors.CodeUnauthorized), message, nil)
}

// Forbidden writes a 403 response.
func Forbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Access denied"
	}
	WriteErrorResponse(w, nil, http.StatusForbidden, string(svcerrors.CodeForbidden), message, nil)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Not found"
	}
	WriteErrorResponse(w, nil, http.StatusNotFound, string(svcerrors.CodeNotFound), message, nil)
}

// InternalError writes a 500 response.
func InternalError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Internal server error"
	}
	WriteErrorResponse(w, nil, http.StatusInternalServerError, string(svcerrors.CodeInternal), message, nil)
}

// DecodeJSON decodes a bounded JSON request body into dst, rejecting unknown
// fields. It returns an InvalidInput ServiceError on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return svcerrors.InvalidInput("request body is required")
	}
	body := http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return svcerrors.InvalidInput("request body too large")
		}
		return svcerrors.InvalidInput(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// RequireUserID returns the authenticated user ID or writes 401.
func RequireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := logging.GetUserID(r.Context())
	if userID == "" {
		Unauthorized(w, "")
		return "", false
	}
	return userID, true
}

// ClientIP returns the connection address of r. Forwarding headers are
// ignored; use Proxies.ClientIP behind a reverse proxy.
func ClientIP(r *http.Request) string {
	return (*Proxies)(nil).ClientIP(r)
}
