package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Receipt carries the fields rendered onto a payment receipt PDF.
type Receipt struct {
	ReceiptNo   string
	StudentName string
	ClassName   string
	Amount      float64
	PaidAt      time.Time
	ApprovedAt  time.Time
	PeriodDue   *time.Time
}

// RenderReceipt produces a single-page payment receipt.
func RenderReceipt(r Receipt) ([]byte, error) {
	if r.ReceiptNo == "" {
		return nil, fmt.Errorf("receipt requires a receipt number")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "PAYMENT RECEIPT", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Receipt No: %s", r.ReceiptNo), "", 1, "C", false, 0, "")
	pdf.Ln(8)

	rows := [][2]string{
		{"Student", r.StudentName},
		{"Class", r.ClassName},
		{"Amount", fmt.Sprintf("Rp %.2f", r.Amount)},
		{"Payment date", r.PaidAt.Format("2 January 2006")},
		{"Approved", r.ApprovedAt.Format("2 January 2006")},
	}
	if r.PeriodDue != nil {
		rows = append(rows, [2]string{"Billing period due", r.PeriodDue.Format("2 January 2006")})
	}

	for _, row := range rows {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(50, 8, row[0], "1", 0, "", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(130, 8, row[1], "1", 1, "", false, 0, "")
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	return buf.Bytes(), nil
}
