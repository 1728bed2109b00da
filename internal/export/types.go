// Package export renders a project's compiled corpus as plain text,
// JSON, or an adjudication report PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

// Corpus is the majority-vote compiled output of a project.
type Corpus struct {
	ProjectID   string       `json:"projectId"`
	ProjectName string       `json:"projectName"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Texts       []CorpusText `json:"texts"`
}

// CorpusText is one document with its compiled token sequence. Compiled
// holds one value per original token; removed tokens carry "".
type CorpusText struct {
	TextID         string   `json:"textId"`
	Original       string   `json:"original"`
	Compiled       []string `json:"compiled"`
	AnnotatorCount int      `json:"annotatorCount"`
	AgreementScore float64  `json:"agreementScore"`
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
