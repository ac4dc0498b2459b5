package domain

type SimilarDocument struct {
	DocumentID int64   `json:"document_id"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
}

// DocumentVector is the stored embedding of a document's summary.
type DocumentVector struct {
	DocumentID int64
	Model      string
	Title      string
	Vector     []float32
}
