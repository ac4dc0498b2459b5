package domain

type UploadRequest struct {
	Filename    string
	Title       string
	MediaType   string
	OwnerID     string
	AutoProcess bool
}

type ContentPage struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// ContentIndex is the structured view of an upload handed to the external
// worker next to the raw source.
type ContentIndex struct {
	MediaType string        `json:"media_type"`
	PageCount int           `json:"page_count"`
	Pages     []ContentPage `json:"pages,omitempty"`
	Chunks    []string      `json:"chunks,omitempty"`
}

// ArtifactLocators point the external worker at the source material.
type ArtifactLocators struct {
	Primary   string
	Secondary string
}

// ContentIndexKey is the storage key of the content index stored next to a
// source document.
func ContentIndexKey(storageKey string) string {
	return storageKey + ".index.json"
}
