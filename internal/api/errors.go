package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"dropvault/internal/service"
)

type errorBody struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Scope         string `json:"scope,omitempty"`
	ChunkIndex    *int   `json:"chunk_index,omitempty"`
	Expected      string `json:"expected,omitempty"`
	Actual        string `json:"actual,omitempty"`
	MissingChunks []int  `json:"missing_chunks,omitempty"`
}

var kindStatus = map[service.Kind]int{
	service.KindValidation:      http.StatusBadRequest,
	service.KindForbidden:       http.StatusForbidden,
	service.KindNotFound:        http.StatusNotFound,
	service.KindInvalidState:    http.StatusConflict,
	service.KindIncomplete:      http.StatusConflict,
	service.KindIntegrity:       http.StatusUnprocessableEntity,
	service.KindStorage:         http.StatusServiceUnavailable,
	service.KindScanUnavailable: http.StatusServiceUnavailable,
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// writeServiceError 把 service 层的分类错误映射为 HTTP 响应，未分类错误一律 500 且不暴露细节。
func writeServiceError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		log.WithError(err).Error("unexpected error")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	status, ok := kindStatus[svcErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := errorBody{
		Error:         svcErr.Message,
		Code:          string(svcErr.Kind),
		Scope:         svcErr.Scope,
		ChunkIndex:    svcErr.Index,
		Expected:      svcErr.Expected,
		Actual:        svcErr.Actual,
		MissingChunks: svcErr.Missing,
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("kind", svcErr.Kind).Error("request failed")
	}
	if svcErr.Kind == service.KindStorage || svcErr.Kind == service.KindScanUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}
