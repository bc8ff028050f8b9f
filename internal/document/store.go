// Package document stores invoice files outside the database. Rows in
// invoice_attachments only reference documents by ID.
package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/backoffice/pkg/errs"
)

const idPrefix = "doc"

var (
	ErrDocumentNotFound  = errs.NotFound("document_not_found", "document not found")
	ErrInvalidDocumentID = errs.Validation("invalid_document_id", "document id is malformed")
	ErrEmptyDocument     = errs.Validation("empty_document", "document content is empty")
)

// Metadata travels with the stored object.
type Metadata struct {
	FileName    string
	ContentType string
	BillID      string
}

type Store interface {
	Store(ctx context.Context, data []byte, meta Metadata) (string, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// NewID returns a sortable document id such as doc_01J9Z3...
func NewID() string {
	return fmt.Sprintf("%s_%s", idPrefix, ulid.Make().String())
}

// ValidateID rejects ids that cannot be used as an object key segment.
func ValidateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 128 {
		return ErrInvalidDocumentID
	}
	if strings.ContainsAny(id, `/\ `) || strings.Contains(id, "..") {
		return ErrInvalidDocumentID
	}
	return nil
}

func contentTypeOrDefault(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
