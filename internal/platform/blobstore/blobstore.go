// Package blobstore mirrors the DICOM files of a study to a secondary file
// backend. It defines the Store interface, an HTTP client for the backend's
// multipart upload endpoint, an in-memory implementation for tests and
// development, and the Echo handler that receives uploads.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNoFiles         = errors.New("no files to upload")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingPatient  = errors.New("patientId is required")
	ErrMissingFileName = errors.New("file name is required")
)

// MaxFileSize is the maximum accepted size of one file (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// ContentTypeDICOM is sent for every mirrored file.
const ContentTypeDICOM = "application/dicom"

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Batch identifies the study a set of files belongs to.
type Batch struct {
	PatientID       string `json:"patientId"`
	OrganizationID  string `json:"organizationId"`
	AccessionNumber string `json:"accessionNumber"`
}

// BlobMetadata describes one stored file.
type BlobMetadata struct {
	ID              string    `json:"id"`
	FileName        string    `json:"file_name"`
	ContentType     string    `json:"content_type"`
	Size            int64     `json:"size"`
	Hash            string    `json:"hash"`
	PatientID       string    `json:"patient_id"`
	OrganizationID  string    `json:"organization_id,omitempty"`
	AccessionNumber string    `json:"accession_number,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Receipt summarizes an accepted batch.
type Receipt struct {
	Files []*BlobMetadata `json:"files"`
	Total int             `json:"total"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store accepts the files of one study.
type Store interface {
	UploadBatch(ctx context.Context, batch Batch, paths []string) (*Receipt, error)
}

// StudyFiles lists the .dcm files under dir in lexical order.
func StudyFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".dcm") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ---------------------------------------------------------------------------
// HTTP implementation
// ---------------------------------------------------------------------------

// HTTPStore posts batches to {baseURL}/files as multipart/form-data with
// the fields patientId, organizationId, accessionNumber and one "files"
// part per file.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewHTTPStore(baseURL string, client *http.Client, logger zerolog.Logger) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With().Str("component", "mirror").Logger(),
	}
}

func (s *HTTPStore) UploadBatch(ctx context.Context, batch Batch, paths []string) (*Receipt, error) {
	const op = "mirror.upload"
	if len(paths) == 0 {
		return nil, apperr.ValidationError(op, ErrNoFiles.Error())
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeBatch(mw, batch, paths))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/files", pr)
	if err != nil {
		pr.Close()
		return nil, apperr.RemoteCallError(op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, apperr.RemoteCallError(op, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.RemoteCallError(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	s.logger.Info().
		Str("accession_number", batch.AccessionNumber).
		Int("files", len(paths)).
		Int("status", resp.StatusCode).
		Msg("files mirrored")
	return &Receipt{Total: len(paths)}, nil
}

func writeBatch(mw *multipart.Writer, batch Batch, paths []string) error {
	fields := [][2]string{
		{"patientId", batch.PatientID},
		{"organizationId", batch.OrganizationID},
		{"accessionNumber", batch.AccessionNumber},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	for _, p := range paths {
		if err := writeFilePart(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", ContentTypeDICOM)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryStore is a thread-safe Store for tests and development.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	order []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryStore) UploadBatch(ctx context.Context, batch Batch, paths []string) (*Receipt, error) {
	if len(paths) == 0 {
		return nil, apperr.ValidationError("mirror.upload", ErrNoFiles.Error())
	}
	receipt := &Receipt{}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		meta, err := s.Put(ctx, batch, filepath.Base(p), ContentTypeDICOM, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		receipt.Files = append(receipt.Files, meta)
	}
	receipt.Total = len(receipt.Files)
	return receipt, nil
}

// Put reads content, computes its SHA-256 and stores it under a new ID.
func (s *InMemoryStore) Put(_ context.Context, batch Batch, fileName, contentType string, content io.Reader) (*BlobMetadata, error) {
	if fileName == "" {
		return nil, ErrMissingFileName
	}
	if batch.PatientID == "" {
		return nil, ErrMissingPatient
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	meta := BlobMetadata{
		ID:              uuid.New().String(),
		FileName:        fileName,
		ContentType:     contentType,
		Size:            int64(len(data)),
		Hash:            fmt.Sprintf("%x", sha256.Sum256(data)),
		PatientID:       batch.PatientID,
		OrganizationID:  batch.OrganizationID,
		AccessionNumber: batch.AccessionNumber,
		CreatedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.order = append(s.order, meta.ID)
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Open returns the content of a stored blob.
func (s *InMemoryStore) Open(id string) (io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFoundError("mirror.open", "blob "+id+" not found")
	}
	return io.NopCloser(bytes.NewReader(b.content)), nil
}

// ListByPatient returns the blobs of patientID in upload order, optionally
// narrowed to one accession number.
func (s *InMemoryStore) ListByPatient(patientID, accession string) []*BlobMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BlobMetadata
	for _, id := range s.order {
		m := s.blobs[id].metadata
		if m.PatientID != patientID {
			continue
		}
		if accession != "" && m.AccessionNumber != accession {
			continue
		}
		out = append(out, &m)
	}
	return out
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

type listResponse struct {
	Items []*BlobMetadata `json:"items"`
	Total int             `json:"total"`
}

// Handler is the receiving side of HTTPStore, backed by an InMemoryStore.
// It lets a development deployment mirror to itself.
type Handler struct {
	store *InMemoryStore
}

func NewHandler(store *InMemoryStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/files", h.handleUpload)
	g.GET("/files/patient/:patientId", h.handleListByPatient)
	g.GET("/files/:id", h.handleDownload)
}

func (h *Handler) handleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "multipart form is required"})
	}
	files := form.File["files"]
	if len(files) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ErrNoFiles.Error()})
	}
	batch := Batch{
		PatientID:       c.FormValue("patientId"),
		OrganizationID:  c.FormValue("organizationId"),
		AccessionNumber: c.FormValue("accessionNumber"),
	}

	receipt := &Receipt{}
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open uploaded file"})
		}
		contentType := fh.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		meta, err := h.store.Put(c.Request().Context(), batch, fh.Filename, contentType, src)
		src.Close()
		if err != nil {
			switch {
			case errors.Is(err, ErrFileTooLarge):
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
			case errors.Is(err, ErrMissingPatient), errors.Is(err, ErrMissingFileName):
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			default:
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
		receipt.Files = append(receipt.Files, meta)
	}
	receipt.Total = len(receipt.Files)
	return c.JSON(http.StatusCreated, receipt)
}

func (h *Handler) handleListByPatient(c echo.Context) error {
	items := h.store.ListByPatient(c.Param("patientId"), c.QueryParam("accession"))
	if items == nil {
		items = []*BlobMetadata{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: len(items)})
}

func (h *Handler) handleDownload(c echo.Context) error {
	rc, err := h.store.Open(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "blob not found"})
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, ContentTypeDICOM, rc)
}
