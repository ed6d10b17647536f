package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dropvault/internal/service"
)

// multipartOverhead 是分片 multipart 请求在分片本身之外允许的额外字节。
const multipartOverhead int64 = 64 << 10

// UploadHandler 暴露分片上传会话的 HTTP 端点。
type UploadHandler struct {
	coord        *service.UploadCoordinator
	maxChunkSize int64
	log          logrus.FieldLogger
}

func NewUploadHandler(coord *service.UploadCoordinator, maxChunkSize int64, log logrus.FieldLogger) *UploadHandler {
	return &UploadHandler{coord: coord, maxChunkSize: maxChunkSize, log: log.WithField("component", "upload_handler")}
}

func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", h.Init)
		r.Get("/{id}", h.Status)
		r.Put("/{id}/chunks/{index}", h.UploadChunk)
		r.Post("/{id}/complete", h.Complete)
		r.Delete("/{id}", h.Cancel)
	})
}

type initRequest struct {
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	FileSize    int64  `json:"file_size"`
	TotalChunks int    `json:"total_chunks"`
	FileHash    string `json:"file_hash"`
	ChunkSize   int64  `json:"chunk_size,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// Init 创建上传会话。命中秒传时直接返回已有文件，命中续传时返回已上传的分片。
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req initRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}

	res, err := h.coord.Init(r.Context(), owner, service.InitInput{
		FileName:    req.FileName,
		MimeType:    req.MimeType,
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
		FileHash:    req.FileHash,
		ChunkSize:   req.ChunkSize,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	status := http.StatusCreated
	if res.IsDuplicate || res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, envelope{Data: res})
}

// UploadChunk 接收单个分片。请求体可以是原始字节（哈希放在 X-Chunk-Sha256），
// 也可以是 multipart 表单（chunk 字段加 chunk_sha256 字段）。
func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	index, err := strconv.Atoi(pathParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), "chunk index must be an integer")
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), "request body is empty")
		return
	}

	data, hash, err := h.readChunk(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(service.KindValidation),
				fmt.Sprintf("chunk exceeds %d bytes", h.maxChunkSize))
			return
		}
		writeError(w, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}

	res, err := h.coord.UploadChunk(r.Context(), owner, service.ChunkInput{
		UploadID: pathParam(r, "id"),
		Index:    index,
		Hash:     hash,
		Data:     data,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: res})
}

func (h *UploadHandler) readChunk(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	hash := strings.TrimSpace(r.Header.Get("X-Chunk-Sha256"))

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkSize)
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", fmt.Errorf("read chunk: %w", err)
		}
		return data, hash, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkSize+multipartOverhead)
	defer r.Body.Close()
	if err := r.ParseMultipartForm(h.maxChunkSize + multipartOverhead); err != nil {
		return nil, "", fmt.Errorf("invalid multipart form: %w", err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, _, err := r.FormFile("chunk")
	if err != nil {
		return nil, "", errors.New("chunk field is required")
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(file, h.maxChunkSize+1)); err != nil {
		return nil, "", fmt.Errorf("read chunk: %w", err)
	}
	if int64(buf.Len()) > h.maxChunkSize {
		return nil, "", &http.MaxBytesError{Limit: h.maxChunkSize}
	}
	if formHash := strings.TrimSpace(r.FormValue("chunk_sha256")); formHash != "" {
		hash = formHash
	}
	return buf.Bytes(), hash, nil
}

// Status 返回会话进度。
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	res, err := h.coord.Status(r.Context(), owner, pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: res})
}

// Complete 合并分片并校验整文件哈希；对已完成的会话重复调用返回同一结果。
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	res, err := h.coord.Complete(r.Context(), owner, pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: res})
}

// Cancel 取消会话并删除已上传的分片。
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	id := pathParam(r, "id")
	if err := h.coord.Cancel(r.Context(), owner, id); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"upload_id": id, "cancelled": true}})
}
