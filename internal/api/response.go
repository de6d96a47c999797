package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	xerrors "Handshake-Escrow/internal/errors"
)

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Cause    xerrors.Code      `json:"cause,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	xerrors.CodeInvalidAmount:         http.StatusBadRequest,
	xerrors.CodeUnauthorized:          http.StatusForbidden,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeAssetNotFound:         http.StatusNotFound,
	xerrors.CodeInvalidState:          http.StatusConflict,
	xerrors.CodeConflict:              http.StatusConflict,
	xerrors.CodePoolUnavailable:       http.StatusConflict,
	xerrors.CodeNoActivePool:          http.StatusConflict,
	xerrors.CodeInsufficientFunds:     http.StatusConflict,
	xerrors.CodeMathOverflow:          http.StatusConflict,
	xerrors.CodeRateLimited:           http.StatusTooManyRequests,
	xerrors.CodeConfirmationTimeout:   http.StatusGatewayTimeout,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
}

// statusFor maps a coded error to an HTTP status. A ledger rejection is
// reported by its cause when the cause is a known domain error.
func statusFor(err error) int {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeLedgerRejected {
		if status, ok := statusByCode[xerrors.RootCode(err)]; ok {
			return status
		}
		return http.StatusBadGateway
	}
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	if root := xerrors.RootCode(err); root != body.Code {
		body.Cause = root
	}
	if after, ok := xerrors.RetryAfterOf(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(after.Seconds()))))
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed request body")
	}
	return nil
}
