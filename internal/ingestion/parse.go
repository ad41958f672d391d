package ingestion

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Date formats seen in processor exports and ledger reports.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-06",
	"1/2/06",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// parseDate accepts ISO dates, US MM/DD/YYYY dates and Excel serial day
// numbers, and returns the calendar date at midnight UTC.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < 2958466 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// header maps a report's header row to column positions by keyword.
type header []string

func newHeader(row []string) header {
	h := make(header, len(row))
	for i, c := range row {
		h[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))
	}
	return h
}

// find returns the first column whose name equals one of names, then the
// first that contains one of them, skipping columns that contain any of
// skip. It returns -1 when nothing matches.
func (h header) find(names []string, skip ...string) int {
	for _, n := range names {
		for i, col := range h {
			if col == n {
				return i
			}
		}
	}
	for _, n := range names {
		for i, col := range h {
			if strings.Contains(col, n) && !containsAny(col, skip) {
				return i
			}
		}
	}
	return -1
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
