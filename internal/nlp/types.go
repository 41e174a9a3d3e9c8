package nlp

import (
	"context"
	"time"
)

// Document is a unit of text submitted for annotation.
type Document struct {
	Text   string `json:"text"`
	Footer any    `json:"footer,omitempty"`
}

// Annotation is a concept recognised in a document. Start and End are
// character offsets; End is exclusive.
type Annotation struct {
	ID           int      `json:"id"`
	CUI          string   `json:"cui"`
	PrettyName   string   `json:"pretty_name"`
	SourceValue  string   `json:"source_value"`
	DetectedName string   `json:"detected_name"`
	Start        int      `json:"start"`
	End          int      `json:"end"`
	TypeIDs      []string `json:"type_ids"`
	Acc          float64  `json:"acc"`
}

// Result is the outcome of processing one document.
type Result struct {
	Text        string       `json:"text"`
	Annotations []Annotation `json:"annotations"`
	Success     bool         `json:"success"`
	Timestamp   time.Time    `json:"timestamp"`
	ElapsedTime float64      `json:"elapsed_time"`
	Footer      any          `json:"footer,omitempty"`
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	ServiceAppName string `json:"service_app_name"`
	ServiceVersion string `json:"service_version"`
	ServiceModel   string `json:"service_model"`
	ModelLanguage  string `json:"service_language"`
	ModelVersion   string `json:"model_version,omitempty"`
	ConceptCount   int    `json:"concept_count"`
}

// Processor annotates documents.
type Processor interface {
	Info() ModelInfo
	Process(ctx context.Context, doc Document) (Result, error)
	ProcessBulk(ctx context.Context, docs []Document) ([]Result, error)
}

// Service is the entry point used by the HTTP layer.
type Service interface {
	Processor() Processor
}
