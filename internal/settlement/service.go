package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/events"
	"github.com/noah-isme/commission-engine/internal/obs"
	"github.com/noah-isme/commission-engine/internal/storage"
)

// DefaultMaxFileBytes bounds invoice and proof uploads when the service is not configured.
const DefaultMaxFileBytes int64 = 5 * 1024 * 1024

var (
	invoiceTypes = []string{"application/pdf"}
	proofTypes   = []string{"application/pdf", "image/png", "image/jpeg"}
)

// LedgerCache drops cached ledger aggregates after commissions move in bulk.
type LedgerCache interface {
	Invalidate(ctx context.Context, affiliateID uuid.UUID)
}

// Upload is a file received from a client.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Document is a stored file returned to a client.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// Service runs the payment request workflow.
type Service struct {
	Store      Store
	Objects    storage.ObjectStore
	Ledger     LedgerCache
	Affiliates affiliate.Store
	Events     *events.Bus
	Logger     zerolog.Logger
	Now        func() time.Time

	MaxFileBytes           int64
	AllowPayWithoutInvoice bool
	NumberPrefix           string
	// Currency labels payout amounts in metrics.
	Currency string
}

// Create groups validated commissions of affiliateID into a new pending request.
func (s *Service) Create(ctx context.Context, affiliateID uuid.UUID, commissionIDs []uuid.UUID) (PaymentRequest, error) {
	ids := Dedupe(commissionIDs)
	if len(ids) == 0 {
		obs.IncPaymentRequest("create", "empty_selection")
		return PaymentRequest{}, ErrEmptySelection
	}
	req, err := s.Store.CreateRequest(ctx, CreateParams{
		ID:            uuid.New(),
		AffiliateID:   affiliateID,
		CommissionIDs: ids,
		NumberPrefix:  s.NumberPrefix,
		At:            s.now(),
	})
	if err != nil {
		s.failed(ctx, "create", uuid.Nil, err)
		return PaymentRequest{}, err
	}
	obs.IncPaymentRequest("create", "ok")
	s.invalidate(ctx, affiliateID)
	s.emit(ctx, events.TopicPaymentRequestCreated, req)
	obs.LoggerFrom(ctx, s.Logger).Info().
		Str("payment_request_id", req.ID.String()).
		Str("request_number", req.RequestNumber).
		Int("commissions", len(req.Commissions)).
		Str("total_ttc", req.TotalAmountTtc.String()).
		Msg("payment request created")
	return req, nil
}

// Get returns a request with its commissions. Affiliates only see their own requests.
func (s *Service) Get(ctx context.Context, scope, id uuid.UUID) (PaymentRequest, error) {
	req, err := s.Store.Get(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if scope != uuid.Nil && req.AffiliateID != scope {
		return PaymentRequest{}, ErrForbidden
	}
	return req, nil
}

// List returns requests matching f, restricted to scope when set.
func (s *Service) List(ctx context.Context, scope uuid.UUID, f Filter) ([]PaymentRequest, int, error) {
	if scope != uuid.Nil {
		f.AffiliateID = scope
	}
	return s.Store.List(ctx, f)
}

// UploadInvoice validates and stores the affiliate's invoice, moving the request to
// invoice_received. Nothing is stored when validation fails.
func (s *Service) UploadInvoice(ctx context.Context, scope, id uuid.UUID, up Upload) (PaymentRequest, error) {
	req, err := s.Get(ctx, scope, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if req.Status != StatusPending {
		obs.IncInvoiceUpload("invalid_state")
		return PaymentRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, req.Status)
	}
	contentType, err := s.checkFile(up, invoiceTypes)
	if err != nil {
		obs.IncInvoiceUpload(uploadResult(err))
		return PaymentRequest{}, err
	}
	ref, err := s.Objects.Store(ctx, up.Data, contentType, up.Name)
	if err != nil {
		obs.IncInvoiceUpload("store_error")
		return PaymentRequest{}, fmt.Errorf("store invoice: %w", err)
	}
	updated, err := s.Store.AttachInvoice(ctx, id, ref, fileName(up.Name, "invoice.pdf"), s.now())
	if err != nil {
		s.discard(ctx, ref)
		obs.IncInvoiceUpload(uploadResult(err))
		return PaymentRequest{}, err
	}
	obs.IncInvoiceUpload("ok")
	s.emit(ctx, events.TopicPaymentRequestInvoiceReceived, updated)
	obs.LoggerFrom(ctx, s.Logger).Info().
		Str("payment_request_id", id.String()).
		Int("bytes", len(up.Data)).
		Msg("invoice received")
	return updated, nil
}

// MarkPaid records the payout of a request and marks its commissions paid.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, reference string, proof *Upload) (PaymentRequest, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		obs.IncPaymentRequest("pay", "missing_reference")
		return PaymentRequest{}, ErrMissingReference
	}
	cur, err := s.Store.Get(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if !(cur.Status == StatusInvoiceReceived || (cur.Status == StatusPending && s.AllowPayWithoutInvoice)) {
		obs.IncPaymentRequest("pay", "invalid_state")
		return PaymentRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, cur.Status)
	}

	var proofRef *string
	if proof != nil {
		contentType, err := s.checkFile(*proof, proofTypes)
		if err != nil {
			obs.IncPaymentRequest("pay", uploadResult(err))
			return PaymentRequest{}, err
		}
		ref, err := s.Objects.Store(ctx, proof.Data, contentType, proof.Name)
		if err != nil {
			return PaymentRequest{}, fmt.Errorf("store payment proof: %w", err)
		}
		proofRef = &ref
	}

	paid, err := s.Store.MarkPaid(ctx, PayParams{
		ID:               id,
		Reference:        reference,
		ProofRef:         proofRef,
		At:               s.now(),
		AllowFromPending: s.AllowPayWithoutInvoice,
	})
	if err != nil {
		if proofRef != nil {
			s.discard(ctx, *proofRef)
		}
		s.failed(ctx, "pay", id, err)
		return PaymentRequest{}, err
	}
	obs.IncPaymentRequest("pay", "ok")
	amount, _ := paid.TotalAmountTtc.Float64()
	obs.RecordPayout(ctx, s.currency(), amount)
	s.invalidate(ctx, paid.AffiliateID)
	s.emit(ctx, events.TopicPaymentRequestPaid, paid)
	obs.LoggerFrom(ctx, s.Logger).Info().
		Str("payment_request_id", id.String()).
		Str("payment_reference", reference).
		Str("total_ttc", paid.TotalAmountTtc.String()).
		Msg("payment request paid")
	return paid, nil
}

// Cancel abandons a request and makes its commissions payable again. Affiliates may
// only cancel their own pending requests.
func (s *Service) Cancel(ctx context.Context, scope, id uuid.UUID) (PaymentRequest, error) {
	cur, err := s.Get(ctx, scope, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if scope != uuid.Nil && cur.Status != StatusPending {
		obs.IncPaymentRequest("cancel", "invalid_state")
		return PaymentRequest{}, fmt.Errorf("%w: request is %s", ErrInvalidState, cur.Status)
	}
	req, err := s.Store.Cancel(ctx, id, s.now())
	if err != nil {
		s.failed(ctx, "cancel", id, err)
		return PaymentRequest{}, err
	}
	obs.IncPaymentRequest("cancel", "ok")
	s.invalidate(ctx, req.AffiliateID)
	s.emit(ctx, events.TopicPaymentRequestCancelled, req)
	return req, nil
}

// FetchInvoice returns the stored invoice of a request.
func (s *Service) FetchInvoice(ctx context.Context, scope, id uuid.UUID) (Document, error) {
	req, err := s.Get(ctx, scope, id)
	if err != nil {
		return Document{}, err
	}
	if req.InvoiceFileRef == nil {
		return Document{}, ErrInvoiceMissing
	}
	data, contentType, err := s.Objects.Fetch(ctx, *req.InvoiceFileRef)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			obs.LoggerFrom(ctx, s.Logger).Error().Str("payment_request_id", id.String()).Msg("invoice object missing from store")
			return Document{}, ErrInvoiceMissing
		}
		return Document{}, err
	}
	name := "invoice.pdf"
	if req.InvoiceFileName != nil {
		name = *req.InvoiceFileName
	}
	return Document{Name: name, ContentType: contentType, Data: data}, nil
}

// InvoiceTemplate renders a plain-text invoice draft the affiliate can complete.
func (s *Service) InvoiceTemplate(ctx context.Context, scope, id uuid.UUID) (string, error) {
	req, err := s.Get(ctx, scope, id)
	if err != nil {
		return "", err
	}
	a, err := s.Affiliates.GetAffiliate(ctx, req.AffiliateID)
	if err != nil {
		return "", fmt.Errorf("load affiliate: %w", err)
	}
	var b strings.Builder
	if err := BuildDraft(a, req, s.now()).Render(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (s *Service) checkFile(up Upload, allowed []string) (string, error) {
	limit := s.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	if int64(len(up.Data)) > limit {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(up.Data), limit)
	}
	if len(up.Data) == 0 {
		return "", fmt.Errorf("%w: empty file", ErrUnsupportedFileType)
	}
	detected := mimetype.Detect(up.Data)
	matched := ""
	for _, t := range allowed {
		if detected.Is(t) {
			matched = t
			break
		}
	}
	if matched == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, detected.String())
	}
	declared := strings.ToLower(strings.TrimSpace(strings.SplitN(up.ContentType, ";", 2)[0]))
	if declared == "image/jpg" {
		declared = "image/jpeg"
	}
	if declared != "" && declared != "application/octet-stream" && declared != matched {
		return "", fmt.Errorf("%w: declared %s but content is %s", ErrUnsupportedFileType, declared, matched)
	}
	return matched, nil
}

func (s *Service) failed(ctx context.Context, action string, id uuid.UUID, err error) {
	obs.IncPaymentRequest(action, outcome(err))
	if errors.Is(err, ErrInvariantViolation) {
		obs.IncInvariantViolation()
		obs.LoggerFrom(ctx, s.Logger).Error().Err(err).
			Str("action", action).
			Str("payment_request_id", id.String()).
			Msg("payment request invariant violated")
	}
}

func (s *Service) discard(ctx context.Context, ref string) {
	if err := s.Objects.Delete(ctx, ref); err != nil {
		obs.LoggerFrom(ctx, s.Logger).Warn().Err(err).Str("ref", ref).Msg("delete orphaned upload")
	}
}

func (s *Service) emit(ctx context.Context, topic string, req PaymentRequest) {
	if _, err := s.Events.Emit(ctx, topic, req.ID, req); err != nil {
		obs.LoggerFrom(ctx, s.Logger).Error().Err(err).Str("topic", topic).Msg("emit domain event")
	}
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "EUR"
	}
	return s.Currency
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyGrouped):
		return "already_grouped"
	case errors.Is(err, ErrNotPayable):
		return "not_payable"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrNotFound), errors.Is(err, commission.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func uploadResult(err error) string {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return "too_large"
	case errors.Is(err, ErrUnsupportedFileType):
		return "unsupported_type"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}

func fileName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return fallback
	}
	return name
}

func (s *Service) invalidate(ctx context.Context, affiliateID uuid.UUID) {
	if s.Ledger != nil {
		s.Ledger.Invalidate(ctx, affiliateID)
	}
}
