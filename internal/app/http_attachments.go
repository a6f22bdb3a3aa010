package app

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"nexusdash/api/internal/logging"
	"nexusdash/api/internal/storage"
)

const (
	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
)

// handleAttachments serves /api/projects/{p}/{tasks|cards}/{id}/attachments/...
func (s *HTTPServer) handleAttachments(w http.ResponseWriter, r *http.Request, session Session, owner Owner, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		items, err := s.service.ListAttachments(r.Context(), session, owner)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attachments": items})
		return
	}

	if len(rest) == 0 && r.Method == http.MethodPost {
		s.handleAddAttachment(w, r, session, owner)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodPost {
		switch rest[0] {
		case "upload-url":
			var body UploadRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.RequestUpload(r.Context(), session, owner, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		case "finalize", "cleanup":
			var body struct {
				UploadID string `json:"uploadId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.UploadID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "uploadId is required", map[string]string{"field": "uploadId"})
				return
			}
			if rest[0] == "cleanup" {
				if err := s.service.CleanupUpload(r.Context(), session, owner, body.UploadID); err != nil {
					writeServiceError(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			}
			payload, err := s.service.FinalizeUpload(r.Context(), session, owner, body.UploadID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
	}

	if len(rest) == 2 && rest[1] == "download" && r.Method == http.MethodGet {
		target, err := s.service.DownloadURL(r.Context(), session, owner, rest[0])
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if r.URL.Query().Get("redirect") == "false" {
			writeJSON(w, http.StatusOK, target)
			return
		}
		w.Header().Set("Location", target.URL)
		w.WriteHeader(http.StatusFound)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.DeleteAttachment(r.Context(), session, owner, rest[0]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleAddAttachment accepts either a JSON link or a multipart file upload.
func (s *HTTPServer) handleAddAttachment(w http.ResponseWriter, r *http.Request, session Session, owner Owner) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			URL  string `json:"url"`
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddLink(r.Context(), session, owner, body.URL, body.Name)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	s.extendTransfer(w, r)
	r.Body = http.MaxBytesReader(w, r.Body, s.service.cfg.Storage.MaxAttachmentBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds the size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", map[string]string{"field": "file"})
		return
	}
	defer file.Close()

	name := header.Filename
	if override := r.FormValue("name"); override != "" {
		name = override
	}
	payload, err := s.service.UploadFile(r.Context(), session, owner, name, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

// handleStorageObject serves signed URLs issued by the local provider.
func (s *HTTPServer) handleStorageObject(w http.ResponseWriter, r *http.Request) {
	local, ok := storage.AsLocal(s.service.objects)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	key, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), storage.ObjectPathPrefix))
	if err != nil || storage.ValidateKey(key) != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	query := r.URL.Query()
	expires, err := strconv.ParseInt(query.Get("exp"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, "INVALID_SIGNATURE", "Invalid signature", nil)
		return
	}

	switch {
	case (r.Method == http.MethodGet || r.Method == http.MethodHead) && query.Get("op") == storage.OpGet:
		filename := query.Get("name")
		if !s.verifySignature(w, local, storage.OpGet, key, expires, filename, query.Get("sig")) {
			return
		}
		body, info, err := s.service.objects.Open(r.Context(), key)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		defer body.Close()
		s.extendTransfer(w, r)
		w.Header().Set("Content-Type", info.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.Header().Set("Content-Disposition", downloadDisposition(filename))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, body); err != nil {
			logging.FromContext(r.Context()).Warn("stream object failed", zap.String("key", key), zap.Error(err))
		}

	case r.Method == http.MethodPut && query.Get("op") == storage.OpPut:
		contentType := r.Header.Get("Content-Type")
		if !s.verifySignature(w, local, storage.OpPut, key, expires, contentType, query.Get("sig")) {
			return
		}
		// Keys are single-write. A replayed PUT must not replace a finalized object.
		if _, err := s.service.objects.Stat(r.Context(), key); err == nil {
			writeError(w, http.StatusConflict, "OBJECT_EXISTS", "Object already uploaded", nil)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			writeServiceError(w, r, err)
			return
		}
		s.extendTransfer(w, r)
		body := http.MaxBytesReader(w, r.Body, s.service.cfg.Storage.MaxAttachmentBytes)
		if _, err := s.service.objects.Save(r.Context(), key, body, -1, contentType); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file exceeds the size limit", nil)
				return
			}
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// extendTransfer replaces the server-wide read and write deadlines with the
// storage transfer budget for handlers that stream object bodies.
func (s *HTTPServer) extendTransfer(w http.ResponseWriter, r *http.Request) {
	budget := s.service.cfg.Storage.TransferTimeout
	if budget <= 0 {
		return
	}
	deadline := time.Now().Add(budget)
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logging.FromContext(r.Context()).Warn("extend read deadline failed", zap.Error(err))
	}
	if err := rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logging.FromContext(r.Context()).Warn("extend write deadline failed", zap.Error(err))
	}
}

func (s *HTTPServer) verifySignature(w http.ResponseWriter, local *storage.Local, op, key string, expires int64, extra, sig string) bool {
	err := local.Signer().Verify(op, key, expires, extra, sig)
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrURLExpired):
		writeError(w, http.StatusForbidden, "URL_EXPIRED", "Signed URL expired", nil)
	default:
		writeError(w, http.StatusForbidden, "INVALID_SIGNATURE", "Invalid signature", nil)
	}
	return false
}

func downloadDisposition(filename string) string {
	if filename == "" {
		return "attachment"
	}
	cleaned := strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(filename)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, cleaned, url.PathEscape(filename))
}
