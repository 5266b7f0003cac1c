package server

import (
	"PrivateMarkets/internal/market"
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode maps an error to its gRPC status code.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, market.ErrConcurrentModification):
		return codes.Aborted
	case errors.Is(err, market.ErrMarketAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, market.ErrUnknownHandle):
		return codes.NotFound
	}
	switch market.CategoryOf(err) {
	case market.CategoryValidation:
		return codes.InvalidArgument
	case market.CategoryState:
		return codes.FailedPrecondition
	case market.CategoryArithmetic:
		return codes.OutOfRange
	case market.CategoryAuthorization:
		return codes.PermissionDenied
	case market.CategoryComputation:
		return codes.Aborted
	case market.CategoryNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// HTTPStatus maps an error to its HTTP status.
func HTTPStatus(err error) int {
	switch GRPCCode(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition, codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.OutOfRange:
		return http.StatusUnprocessableEntity
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// grpcError converts a domain error to a gRPC status error.
func grpcError(err error) error {
	code := GRPCCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

type errorBody struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// writeError renders err as JSON. Internal errors are not echoed.
func writeError(w http.ResponseWriter, err error) int {
	code := HTTPStatus(err)
	body := errorBody{Category: market.CategoryOf(err).String(), Message: err.Error()}
	var me *market.Error
	if errors.As(err, &me) {
		body.Code = me.Code
	} else if code == http.StatusUnauthorized {
		body.Code = "unauthenticated"
	}
	if code == http.StatusInternalServerError {
		body = errorBody{Code: "internal", Category: market.CategoryUnknown.String(), Message: "internal error"}
	}
	writeJSON(w, code, body)
	return code
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
