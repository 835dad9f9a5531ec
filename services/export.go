package services

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"clinical-fhir-extractor/models"

	"github.com/xuri/excelize/v2"
)

const (
	extractionsSheet = "Extractions"
	resourcesSheet   = "Resources"
)

var extractionHeaders = []string{
	"ID", "Filename", "Format", "MIME Type", "Size (bytes)", "Status", "Source",
	"Entries", "Resources", "Error", "Duration (ms)", "Created At", "Completed At",
}

// ExportWorkbook renders extractions as an XLSX workbook: one row per
// extraction plus a sheet of resource counts by type.
func ExportWorkbook(extractions []models.Extraction) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(extractionsSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %v", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	for i, header := range extractionHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(extractionsSheet, cell, header)
	}

	totals := map[string]int{}
	for i, e := range extractions {
		row := i + 2
		completed := ""
		if e.CompletedAt != nil {
			completed = e.CompletedAt.UTC().Format(time.RFC3339)
		}
		values := []any{
			e.ExtractionID, e.Filename, e.Format, e.MIMEType, e.Size, e.Status, e.Source,
			e.EntryCount, resourceSummary(e.ResourceCounts), e.ErrorKind, e.DurationMS,
			e.CreatedAt.UTC().Format(time.RFC3339), completed,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(extractionsSheet, cell, v)
		}
		for rt, n := range e.ResourceCounts {
			totals[rt] += n
		}
	}
	for col := range extractionHeaders {
		name, _ := excelize.ColumnNumberToName(col + 1)
		f.SetColWidth(extractionsSheet, name, name, 18)
	}

	if _, err := f.NewSheet(resourcesSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %v", err)
	}
	f.SetCellValue(resourcesSheet, "A1", "Resource Type")
	f.SetCellValue(resourcesSheet, "B1", "Count")
	for i, rt := range sortedKeys(totals) {
		f.SetCellValue(resourcesSheet, fmt.Sprintf("A%d", i+2), rt)
		f.SetCellValue(resourcesSheet, fmt.Sprintf("B%d", i+2), totals[rt])
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %v", err)
	}
	return &buf, nil
}

// resourceSummary renders counts as "Observation:3, Patient:1".
func resourceSummary(counts map[string]int) string {
	var b bytes.Buffer
	for i, rt := range sortedKeys(counts) {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%d", rt, counts[rt])
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
