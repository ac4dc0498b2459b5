// Package markdown parses worker result artifacts: a YAML front matter
// block followed by the summary body.
package markdown

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

const (
	delimiter  = "---"
	maxTags    = 64
	maxTagSize = 128
)

type frontMatter struct {
	Title    string               `yaml:"title"`
	Language string               `yaml:"language"`
	Tags     []string             `yaml:"tags"`
	Assets   []domain.VisualAsset `yaml:"assets"`
}

type Parser struct{}

func NewParser() Parser {
	return Parser{}
}

func (Parser) Parse(raw []byte) (domain.AnalysisResult, error) {
	if !utf8.Valid(raw) {
		return domain.AnalysisResult{}, malformed(errors.New("artifact is not valid UTF-8"))
	}
	// Postgres TEXT cannot hold NUL.
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		return domain.AnalysisResult{}, malformed(fmt.Errorf("artifact contains a NUL byte at offset %d", i))
	}
	header, body, err := split(raw)
	if err != nil {
		return domain.AnalysisResult{}, malformed(err)
	}

	var meta frontMatter
	dec := yaml.NewDecoder(bytes.NewReader(header))
	dec.KnownFields(true)
	if err := dec.Decode(&meta); err != nil {
		return domain.AnalysisResult{}, malformed(fmt.Errorf("decode front matter: %w", err))
	}

	result := domain.AnalysisResult{
		Title:    strings.TrimSpace(meta.Title),
		Language: strings.TrimSpace(meta.Language),
		Summary:  strings.TrimSpace(string(body)),
	}
	if result.Title == "" {
		return domain.AnalysisResult{}, malformed(errors.New("front matter has no title"))
	}
	if result.Summary == "" {
		return domain.AnalysisResult{}, malformed(errors.New("summary body is empty"))
	}
	if result.Tags, err = normalizeTags(meta.Tags); err != nil {
		return domain.AnalysisResult{}, malformed(err)
	}
	for i, asset := range meta.Assets {
		if strings.TrimSpace(asset.Kind) == "" || strings.TrimSpace(asset.Locator) == "" {
			return domain.AnalysisResult{}, malformed(fmt.Errorf("asset %d needs kind and locator", i))
		}
		result.Assets = append(result.Assets, domain.VisualAsset{
			Kind:    strings.TrimSpace(asset.Kind),
			Locator: strings.TrimSpace(asset.Locator),
			Caption: strings.TrimSpace(asset.Caption),
		})
	}
	return result, nil
}

// split returns the front matter and the remaining body.
func split(raw []byte) ([]byte, []byte, error) {
	text := strings.TrimPrefix(string(raw), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if !strings.HasPrefix(text, delimiter+"\n") {
		return nil, nil, errors.New("artifact does not start with front matter")
	}
	rest := text[len(delimiter)+1:]

	end := strings.Index(rest, "\n"+delimiter+"\n")
	if end < 0 {
		if strings.HasSuffix(rest, "\n"+delimiter) {
			return []byte(strings.TrimSuffix(rest, "\n"+delimiter)), nil, nil
		}
		return nil, nil, errors.New("front matter is not terminated")
	}
	return []byte(rest[:end]), []byte(rest[end+len(delimiter)+2:]), nil
}

func normalizeTags(tags []string) ([]string, error) {
	if len(tags) > maxTags {
		return nil, fmt.Errorf("too many tags: %d", len(tags))
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if len(tag) > maxTagSize {
			return nil, fmt.Errorf("tag %q is too long", tag[:16])
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}

func malformed(err error) error {
	return domain.WrapError(domain.ErrMalformedArtifact, "parse artifact", err)
}
