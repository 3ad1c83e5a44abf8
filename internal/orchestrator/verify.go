package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johndauphine/aep-harvest/internal/artifact"
	"github.com/johndauphine/aep-harvest/internal/config"
)

// ArtifactCheck is the verification of one grouping's workbook.
type ArtifactCheck struct {
	Grouping       string    `json:"grouping"`
	Path           string    `json:"path"`
	Bytes          int64     `json:"bytes"`
	ModTime        time.Time `json:"mod_time,omitempty"`
	Sheets         []string  `json:"sheets,omitempty"`
	MissingColumns []string  `json:"missing_columns,omitempty"`
	YearColumns    int       `json:"year_columns"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
}

// VerifyResult covers every configured grouping.
type VerifyResult struct {
	Dir       string          `json:"dir"`
	Artifacts []ArtifactCheck `json:"artifacts"`
	OK        bool            `json:"ok"`
}

// Verify checks that each grouping has a non-empty workbook in the output
// directory with the columns downstream consumers read.
func Verify(cfg *config.Config) *VerifyResult {
	res := &VerifyResult{Dir: cfg.Output.Dir, OK: true}
	for _, g := range cfg.Portal.Groupings {
		path := artifact.Path(cfg.Output.Dir, g, cfg.Output.Extension)
		check := ArtifactCheck{Grouping: g, Path: path}

		info, err := artifact.Stat(path)
		if err != nil {
			check.Error = err.Error()
			res.add(check)
			continue
		}
		check.Bytes = info.Size
		check.ModTime = info.ModTime

		report, err := artifact.VerifyWorkbook(path, cfg.Output.RequiredColumns)
		if err != nil {
			check.Error = err.Error()
			res.add(check)
			continue
		}
		check.Sheets = report.Sheets
		check.MissingColumns = report.MissingColumns
		check.YearColumns = report.YearColumns
		check.OK = report.OK()
		if !check.OK {
			check.Error = fmt.Sprintf("no sheet has columns %s", strings.Join(report.MissingColumns, ", "))
		}
		res.add(check)
	}
	return res
}

func (r *VerifyResult) add(c ArtifactCheck) {
	r.Artifacts = append(r.Artifacts, c)
	if !c.OK {
		r.OK = false
	}
}

// Print writes a human-readable report.
func (r *VerifyResult) Print(w io.Writer) {
	fmt.Fprintf(w, "Artifacts in %s:\n", r.Dir)
	for _, c := range r.Artifacts {
		if c.OK {
			fmt.Fprintf(w, "  ✓ %-30s %10d bytes, %d sheets, %d year columns\n",
				c.Path, c.Bytes, len(c.Sheets), c.YearColumns)
			continue
		}
		fmt.Fprintf(w, "  ✗ %-30s %s\n", c.Path, c.Error)
	}
	if r.OK {
		fmt.Fprintln(w, "All artifacts verified")
	} else {
		fmt.Fprintln(w, "Verification failed")
	}
}
