package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyCSV is returned when an upload has no header row.
var ErrEmptyCSV = errors.New("empty csv")

// csvColumns maps a lower-cased header to the record field it fills.
var csvColumns = map[string]func(*Record, string){
	"username":     func(r *Record, v string) { r.UserName = v },
	"accountid":    func(r *Record, v string) { r.AccountID = v },
	"merchantid":   func(r *Record, v string) { r.MerchantID = v },
	"merchantname": func(r *Record, v string) { r.MerchantName = v },
	"deviceid":     func(r *Record, v string) { r.DeviceID = v },
	"ipaddress":    func(r *Record, v string) { r.IPAddress = v },
	"ip":           func(r *Record, v string) { r.IPAddress = v },
	"txid":         func(r *Record, v string) { r.TxID = v },
	"amount":       func(r *Record, v string) { r.Amount = Text(v) },
	"currency":     func(r *Record, v string) { r.Currency = v },
	"date":         func(r *Record, v string) { r.Date = v },
	"status":       func(r *Record, v string) { r.Status = v },
}

// ParseCSV reads records from a CSV with a header row naming the record
// fields. Header matching ignores case, surrounding blanks and underscores;
// unknown columns are ignored. Short rows leave the missing fields empty so
// validation reports them per record.
func ParseCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	setters := make([]func(*Record, string), len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(h), "_", ""))
		setters[i] = csvColumns[name]
	}

	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if blank(row) {
			continue
		}
		var rec Record
		for i, v := range row {
			if i < len(setters) && setters[i] != nil {
				setters[i](&rec, v)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
