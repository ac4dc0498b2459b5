package domain

type VisualAsset struct {
	Kind    string `json:"kind" yaml:"kind"`
	Locator string `json:"locator" yaml:"locator"`
	Caption string `json:"caption,omitempty" yaml:"caption"`
}

// AnalysisResult is the parsed output of the external worker for one
// document. It is persisted as summary, tag and asset records.
type AnalysisResult struct {
	Title    string        `json:"title"`
	Language string        `json:"language,omitempty"`
	Summary  string        `json:"summary"`
	Tags     []string      `json:"tags"`
	Assets   []VisualAsset `json:"assets,omitempty"`
}

type Summary struct {
	DocumentID int64  `json:"document_id"`
	Title      string `json:"title"`
	Language   string `json:"language,omitempty"`
	Body       string `json:"body"`
}
