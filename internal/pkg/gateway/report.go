package gateway

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrUnparseableReport means the report as a whole is unusable (no header,
// missing required columns, or not a single parseable row).
var ErrUnparseableReport = errors.New("gateway report could not be parsed")

const (
	columnRef       = "ref"
	columnAmount    = "amount"
	columnCurrency  = "currency"
	columnStatus    = "status"
	columnTimestamp = "timestamp"
)

var requiredColumns = []string{columnRef, columnAmount, columnCurrency, columnStatus, columnTimestamp}

// headerAliases maps the column names seen in gateway exports onto the
// canonical columns.
var headerAliases = map[string]string{
	"ref":                columnRef,
	"reference":          columnRef,
	"external_ref":       columnRef,
	"external_reference": columnRef,
	"transaction_id":     columnRef,
	"transaction_ref":    columnRef,
	"order_id":           columnRef,
	"payment_reference":  columnRef,
	"amount":             columnAmount,
	"gross_amount":       columnAmount,
	"total":              columnAmount,
	"value":              columnAmount,
	"currency":           columnCurrency,
	"currency_code":      columnCurrency,
	"status":             columnStatus,
	"state":              columnStatus,
	"transaction_status": columnStatus,
	"payment_status":     columnStatus,
	"timestamp":          columnTimestamp,
	"date":               columnTimestamp,
	"datetime":           columnTimestamp,
	"time":               columnTimestamp,
	"created_at":         columnTimestamp,
	"transaction_time":   columnTimestamp,
	"transaction_date":   columnTimestamp,
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
	"1/2/06 15:04",
	"1/2/2006 15:04:05",
}

type reportRow struct {
	Ref       string `validate:"required,max=191"`
	Amount    string `validate:"required"`
	Currency  string `validate:"required,iso4217"`
	Status    string `validate:"required"`
	Timestamp string `validate:"required"`
}

type rawRecord struct {
	line   int
	fields []string
}

var rowValidator = validator.New()

// ParseReport parses a delimiter-separated gateway export. Column order,
// header spelling, delimiter and surrounding whitespace may vary.
func ParseReport(raw string, statusMap *StatusMap) (*ParseResult, error) {
	raw = strings.TrimPrefix(raw, "\ufeff")
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: report is empty", ErrUnparseableReport)
	}

	r := csv.NewReader(strings.NewReader(raw))
	r.Comma = sniffDelimiter(raw)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = r.Comma != '\t'
	r.LazyQuotes = true

	var records []rawRecord
	var csvErrors []RowError
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				csvErrors = append(csvErrors, RowError{Row: pe.Line, Message: pe.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnparseableReport, err)
		}
		line, _ := r.FieldPos(0)
		records = append(records, rawRecord{line: line, fields: fields})
	}

	res, err := parseRecords(records, statusMap)
	if res != nil && len(csvErrors) > 0 {
		res.RowErrors = append(res.RowErrors, csvErrors...)
		sort.SliceStable(res.RowErrors, func(i, j int) bool { return res.RowErrors[i].Row < res.RowErrors[j].Row })
	}
	return res, err
}

func sniffDelimiter(raw string) rune {
	firstLine := raw
	if i := strings.IndexAny(raw, "\r\n"); i >= 0 {
		firstLine = raw[:i]
	}
	best, bestCount := ',', 0
	for _, candidate := range []rune{',', ';', '\t', '|'} {
		if n := strings.Count(firstLine, string(candidate)); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}

func parseRecords(records []rawRecord, statusMap *StatusMap) (*ParseResult, error) {
	if statusMap == nil {
		statusMap = DefaultStatusMap()
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrUnparseableReport)
	}

	index, err := mapHeader(records[0].fields)
	if err != nil {
		return nil, err
	}

	res := &ParseResult{}
	for _, rec := range records[1:] {
		if isBlank(rec.fields) {
			continue
		}
		tx, rowErr := parseRow(rec, index, statusMap)
		if rowErr != nil {
			res.RowErrors = append(res.RowErrors, *rowErr)
			continue
		}
		res.Transactions = append(res.Transactions, *tx)
	}

	if len(res.Transactions) == 0 {
		if len(res.RowErrors) == 0 {
			return res, fmt.Errorf("%w: report contains no transactions", ErrUnparseableReport)
		}
		return res, fmt.Errorf("%w: none of %d rows could be parsed", ErrUnparseableReport, len(res.RowErrors))
	}
	return res, nil
}

func mapHeader(header []string) (map[string]int, error) {
	index := make(map[string]int, len(requiredColumns))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		key = strings.ReplaceAll(key, " ", "_")
		key = strings.ReplaceAll(key, "-", "_")
		canonical, ok := headerAliases[key]
		if !ok {
			continue
		}
		if _, seen := index[canonical]; !seen {
			index[canonical] = i
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required column(s) %s", ErrUnparseableReport, strings.Join(missing, ", "))
	}
	return index, nil
}

func parseRow(rec rawRecord, index map[string]int, statusMap *StatusMap) (*Transaction, *RowError) {
	field := func(col string) string {
		i := index[col]
		if i >= len(rec.fields) {
			return ""
		}
		return strings.TrimSpace(rec.fields[i])
	}

	row := reportRow{
		Ref:       field(columnRef),
		Amount:    field(columnAmount),
		Currency:  strings.ToUpper(field(columnCurrency)),
		Status:    field(columnStatus),
		Timestamp: field(columnTimestamp),
	}
	fail := func(msg string) *RowError {
		return &RowError{Row: rec.line, Ref: row.Ref, Message: msg}
	}

	if err := rowValidator.Struct(row); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return nil, fail("invalid row: " + strings.Join(parts, "; "))
		}
		return nil, fail(err.Error())
	}

	amount, err := parseAmount(row.Amount)
	if err != nil {
		return nil, fail(err.Error())
	}
	status, ok := statusMap.Map(row.Status)
	if !ok {
		return nil, fail(fmt.Sprintf("unknown gateway status %q", row.Status))
	}
	occurred, err := parseTimestamp(row.Timestamp)
	if err != nil {
		return nil, fail(err.Error())
	}

	return &Transaction{
		ExternalRef: row.Ref,
		Amount:      amount,
		Currency:    row.Currency,
		RawStatus:   row.Status,
		Status:      status,
		OccurredAt:  occurred,
	}, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ",") > 1:
		s = strings.ReplaceAll(s, ",", "")
	case strings.Contains(s, ","):
		// "1,500" is either a thousands group or three decimals.
		if len(s)-strings.Index(s, ",")-1 == 3 {
			return decimal.Zero, fmt.Errorf("ambiguous amount %q: comma may be a thousands or decimal separator", raw)
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return d, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 9 {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

func isBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
