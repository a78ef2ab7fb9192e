package health

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

// Issue is one detected integrity violation.
type Issue struct {
	Kind    string `json:"kind"`
	Hash    string `json:"hash,omitempty"`
	Message string `json:"message"`
}

// Issue kinds reported by the checker.
const (
	IssueCountMismatch = "count_mismatch" // ref_count != live rows
	IssueMissingBlob   = "missing_blob"   // ref_count > 0 but no blob
	IssueUntrackedBlob = "untracked_blob" // blob with no counter entry
	IssueCorruptBlob   = "corrupt_blob"   // blob content fails hash check
	IssueZeroRefBlob   = "zero_ref_blob"  // counter at 0 but blob present
)

// Report is the outcome of an integrity check.
type Report struct {
	EntriesChecked int     `json:"entries_checked"`
	BlobsChecked   int     `json:"blobs_checked"`
	Issues         []Issue `json:"issues"`
}

// Healthy reports whether the check found no violations.
func (r *Report) Healthy() bool {
	return len(r.Issues) == 0
}

// Checker verifies the storage invariants: reference counts equal the
// number of live catalog rows per hash, blobs exist exactly when their
// count is positive, and blob content matches its address. Violations
// are reported, never repaired; garbage collection is the recovery
// path.
type Checker struct {
	catalog *catalog.Catalog
	store   *blobstore.Store
	logger  zerolog.Logger

	// VerifyContent rereads every blob and recomputes its hash. Costly
	// on large stores; off by default.
	VerifyContent bool
}

// New creates a checker.
func New(cat *catalog.Catalog, store *blobstore.Store) *Checker {
	return &Checker{
		catalog: cat,
		store:   store,
		logger:  log.WithComponent("health"),
	}
}

// Check runs the full integrity pass.
func (c *Checker) Check() (*Report, error) {
	report := &Report{}

	entries, err := c.catalog.AllFiles(false)
	if err != nil {
		return nil, err
	}

	// Live row count per hash, with the file type for store lookups.
	liveCounts := make(map[string]int)
	fileTypes := make(map[string]types.FileType)
	for _, e := range entries {
		liveCounts[e.ContentHash]++
		fileTypes[e.ContentHash] = e.FileType
		report.EntriesChecked++
	}

	for hash, want := range liveCounts {
		got, tracked, err := c.catalog.Refs().Get(hash)
		if err != nil {
			return nil, err
		}
		if !tracked || got != want {
			report.Issues = append(report.Issues, Issue{
				Kind: IssueCountMismatch,
				Hash: hash,
				Message: fmt.Sprintf("ref_count %d, live rows %d (tracked=%v)",
					got, want, tracked),
			})
		}

		ft := fileTypes[hash]
		if !c.store.Exists(hash, ft) {
			report.Issues = append(report.Issues, Issue{
				Kind:    IssueMissingBlob,
				Hash:    hash,
				Message: fmt.Sprintf("blob missing while %d live rows reference it", want),
			})
			continue
		}

		report.BlobsChecked++
		if c.VerifyContent {
			if err := c.store.Verify(hash, ft); err != nil {
				report.Issues = append(report.Issues, Issue{
					Kind:    IssueCorruptBlob,
					Hash:    hash,
					Message: err.Error(),
				})
			}
		}
	}

	// Blobs on disk with no counter entry, and zero-count entries whose
	// blob is still present.
	orphans, err := c.catalog.Refs().Orphans(c.store)
	if err != nil {
		return nil, err
	}
	for _, b := range orphans {
		report.Issues = append(report.Issues, Issue{
			Kind:    IssueUntrackedBlob,
			Hash:    b.Hash,
			Message: fmt.Sprintf("blob %s on disk with no reference entry", b.Path),
		})
	}

	zeros, err := c.catalog.Refs().ZeroRefs()
	if err != nil {
		return nil, err
	}
	for _, z := range zeros {
		if c.store.Exists(z.ContentHash, z.FileType) {
			report.Issues = append(report.Issues, Issue{
				Kind:    IssueZeroRefBlob,
				Hash:    z.ContentHash,
				Message: "counter at zero but blob still on disk",
			})
		}
	}

	if !report.Healthy() {
		c.logger.Warn().Int("issues", len(report.Issues)).Msg("integrity check found violations")
	} else {
		c.logger.Info().
			Int("entries", report.EntriesChecked).
			Int("blobs", report.BlobsChecked).
			Msg("integrity check passed")
	}

	return report, nil
}
