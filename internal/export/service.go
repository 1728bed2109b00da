package export

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CorpusJSON renders the compiled corpus as indented JSON.
func CorpusJSON(corpus Corpus) (*Result, error) {
	data, err := json.MarshalIndent(corpus, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal corpus: %w", err)
	}
	return &Result{
		Data:     append(data, '\n'),
		Filename: sanitizeFilename(corpus.ProjectName) + ".json",
		MimeType: "application/json",
	}, nil
}

// CorpusPlainText renders one compiled sentence per line. Removed
// tokens are dropped from the output.
func CorpusPlainText(corpus Corpus) *Result {
	var sb strings.Builder
	for _, text := range corpus.Texts {
		sb.WriteString(CompiledLine(text.Compiled))
		sb.WriteByte('\n')
	}
	return &Result{
		Data:     []byte(sb.String()),
		Filename: sanitizeFilename(corpus.ProjectName) + ".txt",
		MimeType: "text/plain; charset=utf-8",
	}
}

// ReportPDF renders the adjudication report and converts it to PDF.
func ReportPDF(corpus Corpus, documentIAA float64, annotators []string) (*Result, error) {
	data := TemplateData{
		ProjectName: corpus.ProjectName,
		GeneratedAt: corpus.GeneratedAt,
		DocumentIAA: documentIAA,
		Annotators:  annotators,
	}
	for _, text := range corpus.Texts {
		data.Texts = append(data.Texts, TemplateText{
			Original:       text.Original,
			Compiled:       CompiledLine(text.Compiled),
			AgreementScore: text.AgreementScore,
			AnnotatorCount: text.AnnotatorCount,
		})
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return exportPDF(html, corpus.ProjectName+" adjudication report")
}

// CompiledLine joins a compiled token sequence, skipping removed
// tokens.
func CompiledLine(compiled []string) string {
	parts := make([]string, 0, len(compiled))
	for _, v := range compiled {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
