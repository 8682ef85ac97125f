package settlement

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
)

// maxBillSize caps uploads to leave room for high-resolution phone photos
const maxBillSize = int64(50 << 20)

type errorResponse struct {
	Error    string `json:"error"`
	Field    string `json:"field,omitempty"`
	Category string `json:"category,omitempty"`
}

type idResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps an error category onto the HTTP status the UI keys off
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrExtraction):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Persistence details stay in the log.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Category: errorCategory(err)}

	var verr *ValidationError
	if errors.As(err, &verr) {
		resp.Error = verr.Error()
		resp.Field = verr.Field
	}
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
		resp.Error = "Internal server error"
	}
	writeJSON(w, code, resp)
}

// decodeBody decodes a JSON request body, reporting malformed JSON as a validation error
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAnalyzeReceipt reads an uploaded bill and returns its line items
func (s *Server) handleAnalyzeReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBillSize)
	if err := r.ParseMultipartForm(maxBillSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, invalid("bill", "file is too large, maximum size is 50MB"))
			return
		}
		writeError(w, invalid("bill", "error parsing form"))
		return
	}

	f, header, err := r.FormFile("bill")
	if err != nil {
		writeError(w, invalid("bill", "no file uploaded"))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, invalid("bill", "error reading file"))
		return
	}

	analysis, err := s.service.AnalyzeReceipt(r.Context(), header.Filename, data, billContentType(header.Header.Get("Content-Type"), header.Filename))
	if err != nil {
		slog.Error("Error analyzing bill", "filename", header.Filename, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// billContentType falls back to the file extension when the upload has no usable type
func billContentType(contentType, filename string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleSettle runs the allocation for a finished assignment and stores the record
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	record, err := s.service.Settle(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// handleCreateTransaction stores a settlement computed by the client
func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	record, err := s.service.CreateTransaction(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: record.ID, Success: true})
}

// handleListTransactions lists an owner's records, newest first.
// The owner comes from the path or the owner query parameter.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if owner == "" {
		owner = r.URL.Query().Get("owner")
	}

	records, err := s.service.ListTransactions(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	record, err := s.service.GetTransaction(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	record, err := s.service.UpdateStatus(r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.DeleteTransaction(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id, Success: true})
}

// handleGetReceiptFile returns the bill a record was created from
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}
