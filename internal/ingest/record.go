package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrValidation marks a record that is malformed or missing required fields.
var ErrValidation = errors.New("validation")

// UnknownName fills userName and merchantName when a record omits them.
const UnknownName = "Unknown"

// Record is one raw transaction as received from an upload.
type Record struct {
	UserName     string `json:"userName"`
	AccountID    string `json:"accountId" validate:"required"`
	MerchantID   string `json:"merchantId" validate:"required"`
	MerchantName string `json:"merchantName"`
	DeviceID     string `json:"deviceId" validate:"required"`
	IPAddress    string `json:"ipAddress" validate:"required"`
	TxID         string `json:"txId" validate:"required"`
	Amount       Text   `json:"amount" validate:"required"`
	Currency     string `json:"currency" validate:"required"`
	Date         string `json:"date" validate:"required"`
	Status       string `json:"status" validate:"required"`
}

// Text is a string that also accepts a bare JSON number, so amounts can be
// sent either as "12.50" or 12.50 without losing precision.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount must be a number or string: %w", err)
	}
	*t = Text(n.String())
	return nil
}

// parsed is a validated record with typed scalars.
type parsed struct {
	Record
	amount decimal.Decimal
	date   time.Time
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseDate accepts ISO-8601 timestamps with or without zone; zoneless
// values are read as UTC.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q is not an ISO-8601 timestamp", ErrValidation, s)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func (p *Pipeline) parse(rec Record) (parsed, error) {
	rec = normalize(rec)
	if err := p.validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, fe.Field())
			}
			return parsed{}, fmt.Errorf("%w: missing required field(s): %s", ErrValidation, strings.Join(missing, ", "))
		}
		return parsed{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	amount, err := decimal.NewFromString(string(rec.Amount))
	if err != nil {
		return parsed{}, fmt.Errorf("%w: amount %q is not a decimal", ErrValidation, rec.Amount)
	}
	date, err := parseDate(rec.Date)
	if err != nil {
		return parsed{}, err
	}
	return parsed{Record: rec, amount: amount, date: date}, nil
}

func normalize(rec Record) Record {
	trim := func(s *string) { *s = strings.TrimSpace(*s) }
	for _, f := range []*string{
		&rec.UserName, &rec.AccountID, &rec.MerchantID, &rec.MerchantName, &rec.DeviceID,
		&rec.IPAddress, &rec.TxID, &rec.Currency, &rec.Date, &rec.Status,
	} {
		trim(f)
	}
	rec.Amount = Text(strings.TrimSpace(string(rec.Amount)))
	if rec.UserName == "" {
		rec.UserName = UnknownName
	}
	if rec.MerchantName == "" {
		rec.MerchantName = UnknownName
	}
	return rec
}
