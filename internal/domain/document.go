package domain

import "time"

// Document status constants (stored in rago metadata)
const (
	DocumentStatusProcessing = "processing"
	DocumentStatusReady      = "ready"
	DocumentStatusFailed     = "failed"
)

// Metadata keys stored in rago's document metadata
const (
	MetadataKeyFilename   = "filename"
	MetadataKeyFileType   = "file_type"
	MetadataKeyFileSize   = "file_size"
	MetadataKeyStatus     = "status"
	MetadataKeyChunkCount = "chunk_count"
	MetadataKeyTags       = "tags"
	MetadataKeyError      = "error"
	MetadataKeyPageCount  = "page_count"
)

// Document represents an uploaded medical document (backed by rago storage)
type Document struct {
	ID         string         `json:"document_id"`
	Filename   string         `json:"filename"`
	FileType   string         `json:"file_type"`
	FileSize   int64          `json:"file_size"`
	Status     string         `json:"status"`
	ChunkCount int            `json:"chunk_count"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DocumentUploadResponse is returned after a document has been ingested
type DocumentUploadResponse struct {
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	FileSize       int64   `json:"file_size"`
	ChunksCreated  int     `json:"chunks_created"`
	ProcessingTime float64 `json:"processing_time"`
	Status         string  `json:"status"`
}

// DocumentListResponse is the response for listing documents
type DocumentListResponse struct {
	Documents []*Document `json:"documents"`
	Total     int         `json:"total"`
	Page      int         `json:"page"`
	PageSize  int         `json:"page_size"`
}

// DocumentMetadata describes one ingested document
type DocumentMetadata struct {
	Filename  string    `json:"filename"`
	FileType  string    `json:"file_type"`
	FileSize  int64     `json:"file_size"`
	PageCount *int      `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags"`
}

// DocumentMetadataResponse is returned by the document metadata endpoint
type DocumentMetadataResponse struct {
	DocumentID string           `json:"document_id"`
	Metadata   DocumentMetadata `json:"metadata"`
}

// DocumentDeleteResponse is returned after a document has been removed
type DocumentDeleteResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

// DocumentSearchRequest is the request for a similarity search
type DocumentSearchRequest struct {
	Query      string   `json:"query" binding:"required,min=1,max=1000"`
	TopK       int      `json:"top_k" binding:"omitempty,gte=1,lte=20"`
	FilterTags []string `json:"filter_tags,omitempty"`
}
