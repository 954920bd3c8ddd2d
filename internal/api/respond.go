package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	xerrors "santosobot/internal/errors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeAppError 按错误码选择 HTTP 状态。
func writeAppError(w http.ResponseWriter, err error) {
	status, body := describe(err)
	writeJSON(w, status, errorEnvelope{Error: body})
}

func describe(err error) (int, errorBody) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	return statusOf(code), errorBody{Code: string(code), Message: message}
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeSessionBusy, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeProvider, xerrors.CodeProviderAuth, xerrors.CodeRetriesExhausted:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCancelled:
		return http.StatusRequestTimeout
	case xerrors.CodeMemory, xerrors.CodeInitializationFailure, xerrors.CodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusWriter 捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
