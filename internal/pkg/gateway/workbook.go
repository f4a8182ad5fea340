package gateway

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ParseWorkbook parses an .xlsx gateway export. The first sheet is read and
// goes through the same row pipeline as ParseReport.
func ParseWorkbook(r io.Reader, statusMap *StatusMap) (*ParseResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open workbook: %v", ErrUnparseableReport, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrUnparseableReport)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read sheet %s: %v", ErrUnparseableReport, sheets[0], err)
	}

	records := make([]rawRecord, 0, len(rows))
	for i, row := range rows {
		if len(records) == 0 && isBlank(row) {
			continue
		}
		records = append(records, rawRecord{line: i + 1, fields: row})
	}
	return parseRecords(records, statusMap)
}
