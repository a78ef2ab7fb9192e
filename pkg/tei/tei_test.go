package tei

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTEI = `<?xml version="1.0" encoding="UTF-8"?>
<TEI xmlns="http://www.tei-c.org/ns/1.0">
  <teiHeader>
    <fileDesc>
      <titleStmt>
        <title level="a">On the Shoulders of Giants</title>
        <author>
          <persName>
            <forename>Isaac</forename>
            <surname>Newton</surname>
          </persName>
        </author>
      </titleStmt>
      <publicationStmt>
        <publisher>Royal Society</publisher>
        <date when="1687-07-05"/>
        <idno type="DOI">10.1000/giants</idno>
      </publicationStmt>
      <sourceDesc><bibl>Principia</bibl></sourceDesc>
    </fileDesc>
    <encodingDesc>
      <appInfo>
        <application ident="grobid" version="0.8.0"/>
      </appInfo>
    </encodingDesc>
    <revisionDesc>
      <change when="2024-01-01" status="draft"><desc>first pass</desc></change>
      <change when="2024-02-01" status="published"><desc>reviewed</desc></change>
    </revisionDesc>
  </teiHeader>
  <text><body><p>...</p></body></text>
</TEI>`

func TestExtract(t *testing.T) {
	meta, err := Extract([]byte(sampleTEI))
	require.NoError(t, err)

	assert.Equal(t, "On the Shoulders of Giants", meta.Title)
	require.Len(t, meta.Authors, 1)
	assert.Equal(t, "Newton, Isaac", meta.Authors[0].DisplayName())
	assert.Equal(t, "Royal Society", meta.Publisher)
	assert.Equal(t, "1687-07-05", meta.Date)
	assert.Equal(t, "10.1000/giants", meta.DOI)
	assert.Equal(t, "grobid", meta.Variant)

	// Newest revision change wins.
	assert.Equal(t, "published", meta.Status)
	assert.Equal(t, "2024-02-01", meta.LastRevision)
}

func TestExtractNoHeader(t *testing.T) {
	meta, err := Extract([]byte(`<TEI><text><body><p>bare</p></body></text></TEI>`))
	require.NoError(t, err)
	assert.Empty(t, meta.Title)
	assert.Empty(t, meta.Authors)
}

func TestExtractMalformed(t *testing.T) {
	_, err := Extract([]byte(`<TEI><unclosed`))
	assert.Error(t, err)

	assert.Equal(t, "", ExtractStatus([]byte(`not xml at all`)))
}

func TestExtractStatus(t *testing.T) {
	assert.Equal(t, "published", ExtractStatus([]byte(sampleTEI)))
}
