// Package tei extracts header metadata from TEI XML documents: enough
// to derive document identity, display labels, variant lineage, and
// revision state. It is not a TEI validator; unknown structure is
// ignored.
package tei

import (
	"encoding/xml"
	"strings"
)

// Metadata is the distilled teiHeader content the catalog cares about.
type Metadata struct {
	Title        string
	EditionTitle string
	Authors      []Author
	Date         string
	Publisher    string

	// DOI from the publicationStmt or sourceDesc idno elements.
	DOI string

	// Variant is the extractor lineage recorded in the application
	// notes (e.g. "grobid").
	Variant string

	// Status and LastRevision come from the newest revisionDesc change.
	Status       string
	LastRevision string
}

// Author is one author from the titleStmt.
type Author struct {
	Forename string
	Surname  string
}

// DisplayName renders "Surname" or "Surname, Forename".
func (a Author) DisplayName() string {
	if a.Forename == "" {
		return a.Surname
	}
	return a.Surname + ", " + a.Forename
}

// node is a generic element used to walk the header; TEI files in the
// wild nest these elements too variably for rigid unmarshal paths.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []node     `xml:",any"`
	Text     string     `xml:",chardata"`
}

func (n *node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n *node) find(local string) *node {
	if n.XMLName.Local == local {
		return n
	}
	for i := range n.Children {
		if found := n.Children[i].find(local); found != nil {
			return found
		}
	}
	return nil
}

func (n *node) findAll(local string, out *[]*node) {
	if n.XMLName.Local == local {
		*out = append(*out, n)
	}
	for i := range n.Children {
		n.Children[i].findAll(local, out)
	}
}

// Extract parses a TEI document and pulls the header fields. Returns
// an empty Metadata (not an error) for well-formed XML that carries no
// header; malformed XML is an error.
func Extract(content []byte) (*Metadata, error) {
	var root node
	if err := xml.Unmarshal(content, &root); err != nil {
		return nil, err
	}

	meta := &Metadata{}

	hdr := root.find("teiHeader")
	if hdr == nil {
		return meta, nil
	}

	if ts := hdr.find("titleStmt"); ts != nil {
		var titles []*node
		ts.findAll("title", &titles)
		for _, t := range titles {
			v := strings.TrimSpace(t.Text)
			if v == "" {
				continue
			}
			if meta.Title == "" || t.attr("level") == "a" {
				meta.Title = v
			}
		}

		var authors []*node
		ts.findAll("author", &authors)
		for _, a := range authors {
			author := Author{}
			if fn := a.find("forename"); fn != nil {
				author.Forename = strings.TrimSpace(fn.Text)
			}
			if sn := a.find("surname"); sn != nil {
				author.Surname = strings.TrimSpace(sn.Text)
			}
			if author.Surname == "" {
				author.Surname = strings.TrimSpace(a.Text)
			}
			if author.Surname != "" || author.Forename != "" {
				meta.Authors = append(meta.Authors, author)
			}
		}
	}

	if ps := hdr.find("publicationStmt"); ps != nil {
		if p := ps.find("publisher"); p != nil {
			meta.Publisher = strings.TrimSpace(p.Text)
		}
	}

	var idnos []*node
	hdr.findAll("idno", &idnos)
	for _, idno := range idnos {
		if strings.EqualFold(idno.attr("type"), "doi") {
			meta.DOI = strings.TrimSpace(idno.Text)
			break
		}
	}

	var dates []*node
	hdr.findAll("date", &dates)
	for _, d := range dates {
		if when := d.attr("when"); when != "" {
			meta.Date = when
			break
		}
		if v := strings.TrimSpace(d.Text); v != "" && meta.Date == "" {
			meta.Date = v
		}
	}

	if es := hdr.find("editionStmt"); es != nil {
		if t := es.find("title"); t != nil {
			meta.EditionTitle = strings.TrimSpace(t.Text)
		}
	}

	if ai := hdr.find("appInfo"); ai != nil {
		var apps []*node
		ai.findAll("application", &apps)
		if len(apps) > 0 {
			meta.Variant = apps[0].attr("ident")
		}
	}

	if rd := hdr.find("revisionDesc"); rd != nil {
		var changes []*node
		rd.findAll("change", &changes)
		// The newest change wins; documents list changes in order.
		for _, c := range changes {
			if s := c.attr("status"); s != "" {
				meta.Status = s
			}
			if w := c.attr("when"); w != "" {
				meta.LastRevision = w
			}
		}
	}

	return meta, nil
}

// ExtractStatus returns just the revision status, tolerating parse
// failures by returning "". Used by the schema migration that
// backfills the status column.
func ExtractStatus(content []byte) string {
	meta, err := Extract(content)
	if err != nil {
		return ""
	}
	return meta.Status
}
