package sim

import (
	"encoding/csv"
	"io"

	"fraudgraph.org/internal/ingest"
)

var csvHeader = []string{
	"userName", "accountId", "merchantId", "merchantName", "deviceId",
	"ipAddress", "txId", "amount", "currency", "date", "status",
}

// WriteCSV writes records in the layout the CSV importer reads.
func WriteCSV(w io.Writer, records []ingest.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.UserName, r.AccountID, r.MerchantID, r.MerchantName, r.DeviceID,
			r.IPAddress, r.TxID, string(r.Amount), r.Currency, r.Date, r.Status,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
