package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

const defaultMaxUploadBytes int64 = 32 << 20

// Ingest stores an upload with its content index and registers the document
// as PENDING.
type Ingest struct {
	tx        ports.Transactor
	storage   ports.ObjectStorage
	inspector ports.ContentInspector
	lifecycle *Lifecycle
	maxBytes  int64
	newID     func() string
	now       func() time.Time
}

func NewIngest(
	tx ports.Transactor,
	storage ports.ObjectStorage,
	inspector ports.ContentInspector,
	lifecycle *Lifecycle,
	maxBytes int64,
) *Ingest {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &Ingest{
		tx:        tx,
		storage:   storage,
		inspector: inspector,
		lifecycle: lifecycle,
		maxBytes:  maxBytes,
		newID:     uuid.NewString,
		now:       utcNow,
	}
}

func (uc *Ingest) Upload(ctx context.Context, req domain.UploadRequest, body io.Reader) (*domain.Document, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("filename is required"))
	}
	raw, err := io.ReadAll(io.LimitReader(body, uc.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(raw)) > uc.maxBytes {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("document exceeds %d bytes", uc.maxBytes))
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("document is empty"))
	}

	mediaType := detectMediaType(req.MediaType, req.Filename, raw)
	index, err := uc.inspector.Inspect(ctx, mediaType, raw)
	if err != nil {
		return nil, fmt.Errorf("inspect content: %w", err)
	}
	indexRaw, err := json.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("marshal content index: %w", err)
	}

	storageKey := fmt.Sprintf("%s_%s", uc.newID(), sanitizeFilename(req.Filename))
	if err := uc.storage.Save(ctx, storageKey, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}
	if err := uc.storage.Save(ctx, domain.ContentIndexKey(storageKey), bytes.NewReader(indexRaw)); err != nil {
		return nil, fmt.Errorf("save content index: %w", err)
	}

	now := uc.now()
	doc := &domain.Document{
		Title:      documentTitle(req),
		StorageKey: storageKey,
		SizeBytes:  int64(len(raw)),
		MediaType:  mediaType,
		OwnerID:    req.OwnerID,
		PageCount:  index.PageCount,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = uc.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		if err := uow.Documents().Create(ctx, doc); err != nil {
			return fmt.Errorf("create document metadata: %w", err)
		}
		if req.AutoProcess {
			return uc.lifecycle.beginProcessing(ctx, uow, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("document_ingested",
		"document_id", doc.ID,
		"storage_key", storageKey,
		"media_type", mediaType,
		"size_bytes", doc.SizeBytes,
		"pages", index.PageCount,
		"status", string(doc.Status),
	)
	return doc, nil
}

func detectMediaType(declared, filename string, raw []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		if i := strings.IndexByte(declared, ';'); i >= 0 {
			declared = strings.TrimSpace(declared[:i])
		}
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	}
	detected := http.DetectContentType(raw)
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	return detected
}

func documentTitle(req domain.UploadRequest) string {
	if title := strings.TrimSpace(req.Title); title != "" {
		return title
	}
	base := filepath.Base(req.Filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
