package ingest

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCSV(t *testing.T) {
	in := "\ufeffuserName,accountId,merchantId,merchantName,deviceId,ip_address,txId,amount,currency,date,status,extra\n" +
		"alice,ACC-1,M-1,Shop,DEV-1,10.0.0.1,TX-1,99.90,EUR,2024-01-01T00:00:00Z,COMPLETED,x\n" +
		"\n" +
		"bob,ACC-2,M-1,Shop,DEV-2,10.0.0.2,TX-2,5,EUR,2024-01-02\n"

	recs, err := ParseCSV(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].UserName != "alice" || recs[0].IPAddress != "10.0.0.1" || recs[0].Amount != "99.90" {
		t.Fatalf("first record: %+v", recs[0])
	}
	if recs[1].Status != "" {
		t.Fatalf("short row should leave status empty: %+v", recs[1])
	}
}

func TestParseCSVEmpty(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("")); !errors.Is(err, ErrEmptyCSV) {
		t.Fatalf("expected ErrEmptyCSV, got %v", err)
	}
	recs, err := ParseCSV(strings.NewReader("txId,amount\n"))
	if err != nil || len(recs) != 0 {
		t.Fatalf("header only: %v %d", err, len(recs))
	}
}

func TestParseCSVMalformed(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("txId\n\"unterminated\n")); err == nil {
		t.Fatalf("expected a parse error")
	}
}
