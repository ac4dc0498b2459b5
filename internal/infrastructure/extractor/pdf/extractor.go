package pdf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// Pages reads the plain text of every page. The reader panics on some
// broken files, so panics are reported as invalid input.
func Pages(raw []byte) (pages []domain.ContentPage, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = domain.WrapError(domain.ErrInvalidInput, "read pdf", fmt.Errorf("corrupt document: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read pdf", err)
	}
	total := reader.NumPage()
	if total == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read pdf", fmt.Errorf("document has no pages"))
	}

	pages = make([]domain.ContentPage, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read pdf", fmt.Errorf("page %d: %w", i, err))
		}
		pages = append(pages, domain.ContentPage{Number: i, Text: strings.TrimSpace(text)})
	}
	return pages, nil
}
