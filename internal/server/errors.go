package server

import (
	"DelayLedger/internal/auth"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

// codeFor maps a domain error to the gRPC code the API reports; the HTTP
// status follows from the code the same way grpc-gateway maps it.
func codeFor(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return codes.Unauthenticated
	case errors.Is(err, errs.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, errs.ErrUnknownFlight),
		errors.Is(err, errs.ErrUnknownPolicy),
		errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, errs.ErrInvalidAmount),
		errors.Is(err, errs.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, errs.ErrAlreadySettled),
		errors.Is(err, errs.ErrDuplicate):
		return codes.AlreadyExists
	case errors.Is(err, errs.ErrInsufficientBalance),
		errors.Is(err, errs.ErrInsufficientAllowance):
		return codes.FailedPrecondition
	case errors.Is(err, errs.ErrTransferFailed):
		return codes.Aborted
	case errors.Is(err, errs.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func reasonFor(err error) string {
	switch codeFor(err) {
	case codes.Unauthenticated:
		return "unauthenticated"
	case codes.Canceled, codes.DeadlineExceeded:
		return "timeout"
	}
	return errs.Reason(err)
}

func writeError(w http.ResponseWriter, err error) int {
	code := codeFor(err)
	httpStatus := runtime.HTTPStatusFromCode(code)

	body := errorBody{Error: reasonFor(err), Code: code.String()}
	if code != codes.Internal {
		body.Message = err.Error()
	}
	writeJSON(w, httpStatus, body)
	return httpStatus
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
