package artifact

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// headerScanRows bounds how far down a sheet the header row is searched for.
// Portal exports put a title block above the table.
const headerScanRows = 10

// WorkbookReport summarizes the layout check of a downloaded workbook.
type WorkbookReport struct {
	Sheets         []string `json:"sheets"`
	MatchedSheets  []string `json:"matched_sheets"`
	MissingColumns []string `json:"missing_columns,omitempty"` // from the closest sheet when none matched
	YearColumns    int      `json:"year_columns"`
}

// OK reports whether at least one sheet carries every required column.
func (r *WorkbookReport) OK() bool {
	return len(r.MatchedSheets) > 0
}

// VerifyWorkbook opens an .xlsx file and looks for a header row containing every
// required column (case-insensitive) on each sheet. A non-nil error means the file
// could not be read as a workbook at all.
func VerifyWorkbook(path string, required []string) (*WorkbookReport, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer f.Close()

	report := &WorkbookReport{Sheets: f.GetSheetList()}
	var closest []string

	for _, sheet := range report.Sheets {
		missing, years, err := scanSheet(f, sheet, required)
		if err != nil {
			return nil, fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		if len(missing) == 0 {
			report.MatchedSheets = append(report.MatchedSheets, sheet)
			if years > report.YearColumns {
				report.YearColumns = years
			}
			continue
		}
		if closest == nil || len(missing) < len(closest) {
			closest = missing
		}
	}

	if !report.OK() {
		if closest == nil {
			closest = required
		}
		report.MissingColumns = closest
	}
	return report, nil
}

// scanSheet returns the required columns missing from the best header row found
// in the first rows of the sheet, plus the count of year-numbered columns in it.
func scanSheet(f *excelize.File, sheet string, required []string) ([]string, int, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	best := required
	bestYears := 0
	for i := 0; i < headerScanRows && rows.Next(); i++ {
		cols, err := rows.Columns()
		if err != nil {
			return nil, 0, err
		}
		present := make(map[string]bool, len(cols))
		years := 0
		for _, c := range cols {
			c = strings.TrimSpace(c)
			present[strings.ToLower(c)] = true
			if isYear(c) {
				years++
			}
		}
		var missing []string
		for _, want := range required {
			if !present[strings.ToLower(want)] {
				missing = append(missing, want)
			}
		}
		if len(missing) < len(best) {
			best = missing
			bestYears = years
		}
		if len(best) == 0 {
			break
		}
	}
	return best, bestYears, nil
}

func isYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s[0] == '1' || s[0] == '2'
}
