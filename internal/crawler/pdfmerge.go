package crawler

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
)

// MergedPDF is the result of merging one execution's discovered PDFs into a
// single output, one bookmark entry per source file (spec §4.5.2 step 4).
type MergedPDF struct {
	Path      string
	Bookmarks []string // source file names merged, in discovery order
}

// MergePDFs validates each file in discoveryOrder, skips any that fail
// validation with a warning (never fatal, per §4.5.2 step 4), and merges
// the rest into outPath with one bookmark per surviving source.
func MergePDFs(discoveryOrder []string, outPath string, logger arbor.ILogger) (*MergedPDF, error) {
	conf := model.NewDefaultConfiguration()

	var valid []string
	for _, f := range discoveryOrder {
		if err := api.ValidateFile(f, conf); err != nil {
			logger.Warn().Err(err).Str("file", f).Msg("skipping corrupt PDF from merge")
			continue
		}
		valid = append(valid, f)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("crawler: no valid PDFs to merge out of %d candidates", len(discoveryOrder))
	}

	if err := api.MergeCreateFile(valid, outPath, false, conf); err != nil {
		return nil, fmt.Errorf("crawler: merge %d pdfs into %s: %w", len(valid), outPath, err)
	}

	bms, err := bookmarksForMerge(valid)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to compute bookmark page ranges, merged output has no outline")
		return &MergedPDF{Path: outPath, Bookmarks: valid}, nil
	}
	tmpOut := outPath + ".bookmarked"
	if err := api.AddBookmarksFile(outPath, tmpOut, bms, true, conf); err != nil {
		logger.Warn().Err(err).Msg("failed to add bookmarks to merged output, keeping unbookmarked merge")
		return &MergedPDF{Path: outPath, Bookmarks: valid}, nil
	}

	return &MergedPDF{Path: tmpOut, Bookmarks: valid}, nil
}

// bookmarksForMerge computes one top-level bookmark per source file,
// titled by its base filename and pointing at the first page of its
// contribution to the merged document.
func bookmarksForMerge(files []string) ([]pdfcpu.Bookmark, error) {
	var bms []pdfcpu.Bookmark
	page := 1
	for _, f := range files {
		count, err := api.PageCountFile(f)
		if err != nil {
			return nil, fmt.Errorf("crawler: page count of %s: %w", f, err)
		}
		bms = append(bms, pdfcpu.Bookmark{Title: baseName(f), PageFrom: page})
		page += count
	}
	return bms, nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}
