package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "heirloom/pkg/domain-errors"
)

// statusFor maps domain error codes onto HTTP statuses. Transient upstream
// failures surface as 503 so clients know to retry; permanent ones as 502.
func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidTrigger:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeInvalidTransition, dErrors.CodeConcurrencyRetried:
		return http.StatusConflict
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeRendererTransient, dErrors.CodeAnchorTransient:
		return http.StatusServiceUnavailable
	case dErrors.CodeRendererPermanent, dErrors.CodeAnchorPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates a domain error into the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	message := "internal error"
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		message = coded.Message
	}
	writeJSON(w, statusFor(code), map[string]string{
		"error":   string(code),
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
