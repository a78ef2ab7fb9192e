package importer

import (
	"path/filepath"
	"strings"
)

// docIDResolver matches PDFs and TEIs into document groups and decides
// each group's identifier. Resolution order per file:
//
//  1. matching filename stems (a TEI whose stem equals the PDF's)
//  2. a DOI embedded in a TEI header
//  3. a deterministic fallback on the filename stem
type docIDResolver struct{}

// stem strips the extension chain from a filename: "a.v2.tei.xml" →
// "a.v2", "a.pdf" → "a".
func stem(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".tei.xml")
	name = strings.TrimSuffix(name, ".xml")
	name = strings.TrimSuffix(name, ".pdf")
	return name
}

// baseStem additionally strips version markers and variant suffixes so
// "doc.grobid.v2" groups with "doc": everything after the first dot
// that introduces a marker segment is dropped.
func baseStem(path string) string {
	s := stem(path)
	parts := strings.Split(s, ".")
	if len(parts) == 1 {
		return s
	}
	// Keep leading segments until a version marker appears.
	kept := parts[:1]
	for _, p := range parts[1:] {
		if isVersionMarker(p) {
			break
		}
		kept = append(kept, p)
	}
	// The trailing segment may be a variant name; grouping uses only
	// the first segment when more than one remains.
	if len(kept) > 1 {
		return kept[0]
	}
	return strings.Join(kept, ".")
}

func isVersionMarker(s string) bool {
	if len(s) < 2 || (s[0] != 'v' && s[0] != 'V') {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// hasVersionMarker reports whether the filename carries a ".vN."
// segment.
func hasVersionMarker(path string) bool {
	for _, p := range strings.Split(stem(path), ".") {
		if isVersionMarker(p) {
			return true
		}
	}
	return false
}

// matchTEIs returns the TEI paths belonging to the PDF by stem.
func (docIDResolver) matchTEIs(pdfPath string, teiPaths []string) []string {
	base := baseStem(pdfPath)
	var matched []string
	for _, tei := range teiPaths {
		if baseStem(tei) == base {
			matched = append(matched, tei)
		}
	}
	return matched
}

// resolveDocID picks the document identifier for a group. A DOI from
// any member TEI wins; otherwise the PDF's (or first TEI's) stem.
func (docIDResolver) resolveDocID(pdfPath string, teiDOIs map[string]string, matchedTEIs []string) (string, string) {
	for _, tei := range matchedTEIs {
		if doi := teiDOIs[tei]; doi != "" {
			return doi, "doi"
		}
	}
	if pdfPath != "" {
		return baseStem(pdfPath), "custom"
	}
	if len(matchedTEIs) > 0 {
		return baseStem(matchedTEIs[0]), "custom"
	}
	return "", "custom"
}
