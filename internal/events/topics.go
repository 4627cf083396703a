package events

// Topic constants for domain events emitted by the ledger and settlement workflow.
const (
	TopicCommissionCreated   = "commission.created"
	TopicCommissionValidated = "commission.validated"
	TopicCommissionCancelled = "commission.cancelled"

	TopicPaymentRequestCreated         = "payment_request.created"
	TopicPaymentRequestInvoiceReceived = "payment_request.invoice_received"
	TopicPaymentRequestPaid            = "payment_request.paid"
	TopicPaymentRequestCancelled       = "payment_request.cancelled"
)
