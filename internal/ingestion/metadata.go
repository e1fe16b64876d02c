package ingestion

import (
	"net/url"
	"path"
	"strings"

	"github.com/54b3r/medrag-go/internal/rag"
)

// InferredMetadata holds the chunk type and source label inferred from a
// source URL or label. Explicit CLI flags and JSONL fields take precedence;
// this is the best-effort fallback.
type InferredMetadata struct {
	// ChunkType classifies the material (protocol, general, faq, reference).
	ChunkType rag.ChunkType
	// SourceLabel names the originating document.
	SourceLabel string
}

// referenceHosts serve bibliographic material.
var referenceHosts = map[string]bool{
	"pubmed.ncbi.nlm.nih.gov": true,
	"www.ncbi.nlm.nih.gov":    true,
	"doi.org":                 true,
	"scielo.org":              true,
	"www.scielo.br":           true,
}

// segmentTypes maps URL path segments and label words to chunk types.
var segmentTypes = map[string]rag.ChunkType{
	"protocol":       rag.ChunkTypeProtocol,
	"protocols":      rag.ChunkTypeProtocol,
	"protocolo":      rag.ChunkTypeProtocol,
	"guideline":      rag.ChunkTypeProtocol,
	"guidelines":     rag.ChunkTypeProtocol,
	"diretriz":       rag.ChunkTypeProtocol,
	"diretrizes":     rag.ChunkTypeProtocol,
	"pcdt":           rag.ChunkTypeProtocol,
	"faq":            rag.ChunkTypeFAQ,
	"faqs":           rag.ChunkTypeFAQ,
	"perguntas":      rag.ChunkTypeFAQ,
	"questions":      rag.ChunkTypeFAQ,
	"reference":      rag.ChunkTypeReference,
	"references":     rag.ChunkTypeReference,
	"bibliography":   rag.ChunkTypeReference,
	"referencias":    rag.ChunkTypeReference,
	"article":        rag.ChunkTypeReference,
	"articles":       rag.ChunkTypeReference,
	"bulletin":       rag.ChunkTypeReference,
	"publications":   rag.ChunkTypeReference,
	"recommendation": rag.ChunkTypeProtocol,
}

// InferMetadata inspects a source URL (or a plain label) and returns
// best-effort metadata. Unrecognised input yields ChunkTypeGeneral and the
// input itself as the label.
//
// Recognised patterns:
//
//	pubmed.ncbi.nlm.nih.gov/..., doi.org/...   -> reference
//	.../guidelines/..., .../protocolo/...      -> protocol
//	.../faq/...                                -> faq
func InferMetadata(source string) InferredMetadata {
	m := InferredMetadata{
		ChunkType:   rag.ChunkTypeGeneral,
		SourceLabel: strings.TrimSpace(source),
	}

	parsed, err := url.Parse(source)
	if err != nil || parsed.Host == "" {
		inferFromWords(strings.Fields(strings.ToLower(source)), &m)
		return m
	}

	host := strings.ToLower(parsed.Hostname())
	segments := trimSegments(strings.ToLower(parsed.Path))
	m.SourceLabel = labelFromURL(host, segments)

	if referenceHosts[host] {
		m.ChunkType = rag.ChunkTypeReference
		return m
	}
	inferFromWords(segments, &m)
	return m
}

// inferFromWords sets the chunk type from the last word that names one, so
// deeper URL segments win over broader ones.
func inferFromWords(words []string, m *InferredMetadata) {
	for i := len(words) - 1; i >= 0; i-- {
		w := strings.Trim(words[i], ".,:;()[]")
		for _, part := range strings.FieldsFunc(w, func(r rune) bool { return r == '-' || r == '_' }) {
			if t, ok := segmentTypes[part]; ok {
				m.ChunkType = t
				return
			}
		}
	}
}

// labelFromURL builds "host: last-segment" without the file extension.
func labelFromURL(host string, segments []string) string {
	if len(segments) == 0 {
		return host
	}
	last := segments[len(segments)-1]
	last = strings.TrimSuffix(last, path.Ext(last))
	return host + ": " + last
}

// trimSegments splits a URL path into non-empty lowercase segments.
func trimSegments(urlPath string) []string {
	parts := strings.Split(urlPath, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
