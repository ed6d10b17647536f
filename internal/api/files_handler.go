package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dropvault/internal/service"
)

// FileHandler 提供已合并文件的 HTTP 端点，以及小文件的单请求上传。
type FileHandler struct {
	files   *service.FileService
	uploads *service.UploadCoordinator
	maxSize int64
	log     logrus.FieldLogger
}

// NewFileHandler 创建文件端点，maxSize 是单请求上传允许的最大文件大小。
func NewFileHandler(files *service.FileService, uploads *service.UploadCoordinator, maxSize int64, log logrus.FieldLogger) *FileHandler {
	return &FileHandler{files: files, uploads: uploads, maxSize: maxSize, log: log.WithField("component", "file_handler")}
}

func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/", h.ListFiles)
		r.Post("/", h.CreateFile)
		r.Get("/{id}", h.GetFile)
		r.Get("/{id}/download", h.DownloadFile)
		r.Delete("/{id}", h.DeleteFile)
	})
}

const multipartMemoryBudget int64 = 16 << 20

// CreateFile 接受 multipart/form-data 上传，内部走 init、chunk、complete 流程。
func (h *FileHandler) CreateFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), "request body is empty")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+multipartOverhead)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(service.KindValidation),
				fmt.Sprintf("file exceeds %d bytes, use the chunked upload api", h.maxSize))
			return
		}
		writeError(w, http.StatusBadRequest, string(service.KindValidation), fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), "file field is required")
		return
	}
	defer file.Close()

	sizeBytes, err := determineFileSize(file, header)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}
	if sizeBytes > h.maxSize {
		writeError(w, http.StatusRequestEntityTooLarge, string(service.KindValidation),
			fmt.Sprintf("file exceeds %d bytes, use the chunked upload api", h.maxSize))
		return
	}

	mimeType, err := resolveMimeType(header, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxSize+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "unable to read uploaded file")
		return
	}

	name := header.Filename
	if override := strings.TrimSpace(r.FormValue("original_name")); override != "" {
		name = override
	}
	declared := strings.TrimSpace(r.FormValue("checksum"))
	if declared == "" {
		declared = strings.TrimSpace(r.Header.Get("X-File-Sha256"))
	}

	res, err := h.uploads.Put(r.Context(), owner, service.PutInput{
		FileName: name,
		MimeType: mimeType,
		FileHash: declared,
		Data:     data,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, envelope{Data: res})
}

// ListFiles 返回调用方的文件集合，支持 status、limit、offset 查询参数。
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(service.KindValidation), err.Error())
		return
	}

	files, err := h.files.ListFiles(r.Context(), owner, service.ListFilesInput{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: files})
}

// GetFile 返回单个文件的元数据，包括扫描结论。
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	file, err := h.files.GetFile(r.Context(), owner, pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: file})
}

// DownloadFile 返回文件内容，只有 ready 状态的文件可以下载。
func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	file, content, err := h.files.OpenFile(r.Context(), owner, pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.OriginalName))
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	w.Header().Set("ETag", strconv.Quote(file.Checksum))

	if _, err := io.Copy(w, content); err != nil {
		// 客户端可能已断开，无法再写入错误响应
		h.log.WithError(err).WithField("file_id", file.ID).Debug("download interrupted")
	}
}

// DeleteFile 软删除指定文件。
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	id := pathParam(r, "id")
	if err := h.files.DeleteFile(r.Context(), owner, id); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"id": id, "deleted": true}})
}

func determineFileSize(file multipart.File, header *multipart.FileHeader) (int64, error) {
	if header != nil && header.Size > 0 {
		return header.Size, nil
	}

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("measure file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind file: %w", err)
	}
	return size, nil
}

// resolveMimeType 优先使用表单声明的类型，否则按前 512 字节探测。
func resolveMimeType(header *multipart.FileHeader, file multipart.File) (string, error) {
	if header != nil {
		if value := header.Header.Get("Content-Type"); value != "" && value != "application/octet-stream" {
			return value, nil
		}
	}

	buf := make([]byte, 512)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("detect mime: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind file: %w", err)
	}
	if n == 0 {
		return "application/octet-stream", nil
	}
	return http.DetectContentType(buf[:n]), nil
}
