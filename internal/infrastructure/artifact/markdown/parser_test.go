package markdown

import (
	"strings"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

func TestParseFrontMatterAndBody(t *testing.T) {
	raw := strings.Join([]string{
		"---",
		"title: Quarterly report",
		"language: en",
		"tags: [Finance, finance, ' q3 ']",
		"assets:",
		"  - kind: chart",
		"    locator: s3://bucket/42/chart-1.png",
		"    caption: Revenue by month",
		"---",
		"Revenue grew by 12%.",
		"",
		"Costs were flat.",
		"",
	}, "\r\n")

	result, err := NewParser().Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if result.Title != "Quarterly report" || result.Language != "en" {
		t.Fatalf("unexpected header: %+v", result)
	}
	if result.Summary != "Revenue grew by 12%.\n\nCosts were flat." {
		t.Fatalf("summary = %q", result.Summary)
	}
	if len(result.Tags) != 2 || result.Tags[0] != "finance" || result.Tags[1] != "q3" {
		t.Fatalf("tags = %v", result.Tags)
	}
	if len(result.Assets) != 1 || result.Assets[0].Kind != "chart" || result.Assets[0].Caption != "Revenue by month" {
		t.Fatalf("assets = %+v", result.Assets)
	}
}

func TestParseRejectsMalformedArtifacts(t *testing.T) {
	cases := map[string]string{
		"no front matter":  "Just a summary",
		"unterminated":     "---\ntitle: x\nbody",
		"unknown field":    "---\ntitle: x\nscore: 3\n---\nbody",
		"bad yaml":         "---\ntitle: [x\n---\nbody",
		"missing title":    "---\nlanguage: en\n---\nbody",
		"empty summary":    "---\ntitle: x\n---\n   \n",
		"asset no locator": "---\ntitle: x\nassets:\n  - kind: chart\n---\nbody",
		"binary":           "---\ntitle: \xff\xfe\n---\nbody",
		"header only":      "---\ntitle: x\n---",
		"nul in body":      "---\ntitle: T\n---\nbody\x00with nul\n",
		"nul in tag":       "---\ntitle: T\ntags: [\"a\x00b\"]\n---\nbody",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewParser().Parse([]byte(raw))
			if !domain.IsKind(err, domain.ErrMalformedArtifact) {
				t.Fatalf("Parse() error = %v, want malformed artifact", err)
			}
		})
	}
}
