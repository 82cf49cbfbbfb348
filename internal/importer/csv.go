package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
)

// Errors that fail a whole upload before any row is processed.
var (
	ErrEmptyFile     = errors.New("empty file uploaded")
	ErrMissingHeader = errors.New("CSV header is missing")
	ErrNoRows        = errors.New("no trade rows found in file")
)

var requiredColumns = []string{
	"Date/Time",
	"Symbol",
	"Buy/Sell",
	"Quantity",
	"Price",
	"Commission",
	"CurrencyPrimary",
}

// RawRow is one unvalidated CSV record keyed by header name. Index is the
// line number in the uploaded file (the header is line 1).
type RawRow struct {
	Index  int
	Fields map[string]string
}

func (r RawRow) get(column string) string {
	return strings.TrimSpace(r.Fields[column])
}

// readRows tokenizes a broker export into raw rows. This is a thin pass: it
// checks only that the header exists and carries the required columns, and
// leaves all field validation to the normalizer.
func readRows(data []byte) ([]RawRow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}
	data = bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf}) // UTF-8 BOM

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrMissingHeader
	}

	header := records[0]
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	rows := make([]RawRow, 0, len(records)-1)
	for i, record := range records[1:] {
		fields := make(map[string]string, len(columns))
		for name, idx := range columns {
			if idx < len(record) {
				fields[name] = record[idx]
			}
		}
		rows = append(rows, RawRow{Index: i + 2, Fields: fields})
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}
