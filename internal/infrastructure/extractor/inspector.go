package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/chunking"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/extractor/plaintext"
)

// Inspector builds the content index stored next to an upload.
type Inspector struct {
	splitter *chunking.Splitter
}

func NewInspector(splitter *chunking.Splitter) *Inspector {
	if splitter == nil {
		splitter = chunking.NewSplitter(0, 0)
	}
	return &Inspector{splitter: splitter}
}

func (i *Inspector) Inspect(_ context.Context, mediaType string, raw []byte) (domain.ContentIndex, error) {
	index := domain.ContentIndex{MediaType: mediaType}
	switch {
	case mediaType == "application/pdf":
		pages, err := pdf.Pages(raw)
		if err != nil {
			return domain.ContentIndex{}, err
		}
		index.Pages = pages
		index.PageCount = len(pages)
		texts := make([]string, 0, len(pages))
		for _, page := range pages {
			if page.Text != "" {
				texts = append(texts, page.Text)
			}
		}
		index.Chunks = i.splitter.Split(strings.Join(texts, "\n\n"))
	case strings.HasPrefix(mediaType, "text/"):
		text, err := plaintext.Extract(raw)
		if err != nil {
			return domain.ContentIndex{}, err
		}
		index.PageCount = 1
		index.Chunks = i.splitter.Split(text)
	default:
		return domain.ContentIndex{}, domain.WrapError(domain.ErrInvalidInput, "inspect upload", fmt.Errorf("unsupported media type %q", mediaType))
	}
	return index, nil
}
