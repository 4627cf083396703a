package settlement

import (
	"io"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/commission-engine/internal/affiliate"
)

var draftTemplate = template.Must(template.New("invoice").Parse(`INVOICE (draft, complete before sending)

Invoice number: [YOUR INVOICE NUMBER]
Date:           {{.Date}}

From: {{.AffiliateName}} <{{.AffiliateEmail}}>
      [YOUR LEGAL ADDRESS]
      [YOUR VAT NUMBER]
To:   [PLATFORM LEGAL NAME AND ADDRESS]

Subject: affiliate commissions, payment request {{.RequestNumber}}

{{range .Lines}}{{printf "%-24s" .OrderNumber}} {{printf "%12s" (.AmountHt.StringFixed 2)}} HT {{printf "%12s" (.AmountTtc.StringFixed 2)}} TTC
{{end}}
Total HT:  {{.TotalHt.StringFixed 2}}
VAT:       {{.TotalVat.StringFixed 2}}
Total TTC: {{.TotalTtc.StringFixed 2}}
`))

// DraftLine is one commission on an invoice draft.
type DraftLine struct {
	OrderNumber string
	AmountHt    decimal.Decimal
	AmountTtc   decimal.Decimal
}

// InvoiceDraft carries the values printed on an invoice skeleton.
type InvoiceDraft struct {
	AffiliateName  string
	AffiliateEmail string
	RequestNumber  string
	Date           string
	Lines          []DraftLine
	TotalHt        decimal.Decimal
	TotalVat       decimal.Decimal
	TotalTtc       decimal.Decimal
}

// BuildDraft prepares the draft for req. TTC is the request total, VAT is the difference to HT.
func BuildDraft(a affiliate.Affiliate, req PaymentRequest, issued time.Time) InvoiceDraft {
	d := InvoiceDraft{
		AffiliateName:  a.Name,
		AffiliateEmail: a.Email,
		RequestNumber:  req.RequestNumber,
		Date:           issued.Format("2006-01-02"),
		TotalHt:        decimal.Zero,
		TotalTtc:       req.TotalAmountTtc,
	}
	for _, c := range req.Commissions {
		number := c.OrderNumber
		if number == "" {
			number = c.OrderID.String()
		}
		d.Lines = append(d.Lines, DraftLine{OrderNumber: number, AmountHt: c.AffiliateCommission, AmountTtc: c.AffiliateCommissionTtc})
		d.TotalHt = d.TotalHt.Add(c.AffiliateCommission)
	}
	d.TotalVat = d.TotalTtc.Sub(d.TotalHt)
	return d
}

// Render writes the draft as plain text.
func (d InvoiceDraft) Render(w io.Writer) error {
	return draftTemplate.Execute(w, d)
}
