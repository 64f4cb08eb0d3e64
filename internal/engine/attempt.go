package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
)

// Attempt advances the record by one submission attempt. It is the
// scheduler's submit task. Outcomes and failures are recorded on the
// record; the returned error only reports lock or storage problems.
func (e *Engine) Attempt(ctx context.Context, id string) error {
	return e.Do(ctx, id, func(tx *Txn) error {
		return e.attempt(ctx, tx)
	})
}

func (e *Engine) attempt(ctx context.Context, tx *Txn) error {
	rec := tx.Record
	if rec.Terminal() || rec.State == model.StatePending {
		e.logger.Debug("attempt skipped", "record_id", rec.ID, "state", rec.State)
		return nil
	}

	adapter, err := e.registry.Get(rec.Invoice.MunicipalityCode)
	if err != nil {
		return e.fail(tx, err, model.ClassPermanent, false, "no adapter for municipality")
	}

	var h *certstore.Handle
	switch rec.State {
	case model.StateCreated:
		if err := tx.Transition(model.StateSigning, ""); err != nil {
			return err
		}
		if err := tx.Save(); err != nil {
			return err
		}
		fallthrough
	case model.StateSigning:
		if h, err = e.signRecord(ctx, tx); err != nil {
			return e.fail(tx, err, model.ClassPermanent, errors.Is(err, model.ErrNoCertificate), "signing failed")
		}
	case model.StateFailedTransient:
		if h, err = e.handleFor(ctx, tx); err != nil {
			return e.fail(tx, err, model.ClassPermanent, errors.Is(err, model.ErrNoCertificate), "certificate unusable")
		}
		// an earlier attempt may have been processed even though its answer was lost
		if !adapter.Capability().NativeIdempotency {
			if q := municipality.QueryFor(rec); q.TrackingID != "" {
				return e.queryThenSubmit(ctx, tx, adapter, h, q)
			}
		}
	case model.StateSubmitting:
		return e.resolveInDoubt(ctx, tx, adapter)
	default:
		return nil
	}

	if err := tx.Transition(model.StateSubmitting, ""); err != nil {
		return err
	}
	return e.submit(ctx, tx, adapter, h)
}

// signRecord produces and stores the signed request
func (e *Engine) signRecord(ctx context.Context, tx *Txn) (*certstore.Handle, error) {
	rec := tx.Record
	h, err := e.certs.Resolve(rec.Invoice.IssuerTaxID)
	if err != nil {
		return nil, err
	}
	req, err := e.signer.Sign(ctx, &rec.Invoice, h, rec.Invoice.MunicipalityCode)
	if err != nil {
		return nil, err
	}
	rec.SignedRequest = req
	rec.CertificateID = h.ID()
	return h, nil
}

// handleFor returns a usable certificate for a retry. The stored request is
// reused when its certificate is still loaded and valid; otherwise the
// invoice is signed again with the issuer's current certificate.
func (e *Engine) handleFor(ctx context.Context, tx *Txn) (*certstore.Handle, error) {
	rec := tx.Record
	if rec.SignedRequest == nil {
		return e.signRecord(ctx, tx)
	}
	h, err := e.certs.Get(rec.CertificateID)
	if err != nil {
		return e.signRecord(ctx, tx)
	}
	if err := e.certs.Check(h); err != nil {
		return nil, err
	}
	return h, nil
}

// submit sends the signed request. The record is saved in Submitting with
// the attempt counted before the call, so a crash mid-call is detectable.
func (e *Engine) submit(ctx context.Context, tx *Txn, adapter municipality.Adapter, h *certstore.Handle) error {
	rec := tx.Record
	code := rec.Invoice.MunicipalityCode

	if err := e.certs.Check(h); err != nil {
		return e.fail(tx, err, model.ClassPermanent, false, "certificate unusable")
	}

	rec.Attempts++
	rec.NextRetryAt = nil
	e.metrics.IncrementSubmitAttempts(string(code))
	if err := tx.Save(); err != nil {
		return err
	}

	e.logger.Info("submitting invoice",
		"record_id", rec.ID,
		"municipality", code,
		"operation", rec.SignedRequest.Operation,
		"attempt", rec.Attempts,
	)
	outcome, err := adapter.Submit(ctx, h, rec.SignedRequest)
	if err != nil {
		return e.submitFailed(tx, adapter, err)
	}
	return e.applyOutcome(tx, outcome)
}

// applyOutcome records a definitive answer from the municipality
func (e *Engine) applyOutcome(tx *Txn, o *model.Outcome) error {
	rec := tx.Record
	if o.TrackingID != "" {
		rec.TrackingID = o.TrackingID
	}

	switch o.Kind {
	case model.OutcomeIssued, model.OutcomeRejected:
		return tx.Conclude(o)
	case model.OutcomeAcceptedPending:
		if err := tx.Transition(model.StatePending, "accepted by municipality"); err != nil {
			return err
		}
		next := e.Now().Add(e.PolicyFor(rec.Invoice.MunicipalityCode).PollInterval)
		rec.NextPollAt = &next
		rec.LastBackoff = 0
		rec.PollFailures = 0
		rec.LastError = nil
		if err := tx.Save(); err != nil {
			return err
		}
		e.SchedulePoll(rec, next)
		return nil
	default:
		err := model.NewProtocolError("engine:UnexpectedOutcome", fmt.Sprintf("submit returned %q", o.Kind))
		err.Class = model.ClassUnknown
		return e.retryOrFail(tx, err, model.ClassUnknown)
	}
}

// Conclude moves the record to Issued or Rejected according to o
func (tx *Txn) Conclude(o *model.Outcome) error {
	rec := tx.Record
	rec.Result = &model.Result{
		DocumentNumber:   o.DocumentNumber,
		VerificationCode: o.VerificationCode,
		IssuedAt:         o.IssuedAt,
		Reason:           o.Reason,
	}
	rec.NextRetryAt, rec.NextPollAt = nil, nil

	to, reason := model.StateIssued, "document "+o.DocumentNumber
	if o.Kind == model.OutcomeRejected {
		to, reason = model.StateRejected, o.Reason
	}
	if err := tx.Transition(to, reason); err != nil {
		return err
	}
	if err := tx.Save(); err != nil {
		return err
	}
	tx.e.logger.Info("submission concluded",
		"record_id", rec.ID,
		"state", rec.State,
		"document_number", o.DocumentNumber,
		"reason", o.Reason,
	)
	return nil
}

func (e *Engine) submitFailed(tx *Txn, adapter municipality.Adapter, err error) error {
	class := Classify(adapter, err)
	if class == model.ClassPermanent {
		return e.fail(tx, err, class, false, "permanent error")
	}
	return e.retryOrFail(tx, err, class)
}

// Classify maps an error from an adapter call to its class. Protocol
// errors the adapter left unclassified are passed to ClassifyError.
func Classify(adapter municipality.Adapter, err error) model.ErrorClass {
	var (
		tranErr *model.TransportError
		protErr *model.ProtocolError
		signErr *model.SigningError
		certErr *model.CertificateError
		encErr  *model.EncodingError
	)
	switch {
	case errors.As(err, &tranErr):
		return model.ClassTransient
	case errors.As(err, &protErr):
		if protErr.Class == "" || protErr.Class == model.ClassUnknown {
			protErr.Class = adapter.ClassifyError(protErr)
		}
		return protErr.Class
	case errors.As(err, &signErr), errors.As(err, &certErr), errors.As(err, &encErr):
		return model.ClassPermanent
	default:
		return model.ClassTransient
	}
}

// retryOrFail schedules the next attempt with backoff, or fails the record
// when attempts or the unknown-error budget are exhausted
func (e *Engine) retryOrFail(tx *Txn, err error, class model.ErrorClass) error {
	rec := tx.Record
	policy := e.PolicyFor(rec.Invoice.MunicipalityCode).Retry

	if class == model.ClassUnknown {
		rec.UnknownErrors++
		if rec.UnknownErrors > e.unknownCap {
			return e.fail(tx, err, class, true, "unclassified errors exceeded cap")
		}
	}
	if policy.Exhausted(rec.Attempts) {
		return e.fail(tx, err, class, false, fmt.Sprintf("gave up after %d attempts", rec.Attempts))
	}

	now := e.Now()
	rec.SetError(err, class, now)
	delay := policy.Delay(rec.Attempts, rec.LastBackoff, e.rnd)
	at := now.Add(delay)
	rec.LastBackoff = delay
	rec.NextRetryAt = &at
	if err := tx.Transition(model.StateFailedTransient, err.Error()); err != nil {
		return err
	}
	if err := tx.Save(); err != nil {
		return err
	}
	e.logger.Warn("submission attempt failed",
		"record_id", rec.ID,
		"attempt", rec.Attempts,
		"class", class,
		"retry_in", delay,
		"error", err,
	)
	e.scheduleAttempt(rec, at)
	return nil
}

// fail moves the record to FailedPermanent
func (e *Engine) fail(tx *Txn, err error, class model.ErrorClass, manual bool, reason string) error {
	rec := tx.Record
	if rec.Terminal() {
		return nil
	}
	now := e.Now()
	if err != nil {
		rec.SetError(err, class, now)
		reason = reason + ": " + err.Error()
	}
	if manual && !rec.ManualReview {
		rec.ManualReview = true
		e.metrics.IncrementManualReview(string(rec.Invoice.MunicipalityCode))
	}
	rec.NextRetryAt, rec.NextPollAt = nil, nil
	if terr := tx.Transition(model.StateFailedPermanent, reason); terr != nil {
		return terr
	}
	if serr := tx.Save(); serr != nil {
		return serr
	}
	e.logger.Warn("submission failed permanently",
		"record_id", rec.ID,
		"attempts", rec.Attempts,
		"manual_review", rec.ManualReview,
		"reason", reason,
	)
	return nil
}

// resolveInDoubt handles a record left in Submitting, where the previous
// call may or may not have reached the municipality
func (e *Engine) resolveInDoubt(ctx context.Context, tx *Txn, adapter municipality.Adapter) error {
	rec := tx.Record
	if rec.SignedRequest == nil {
		return e.retryOrFail(tx, errors.New("interrupted before the request was signed"), model.ClassTransient)
	}

	h, err := e.handleFor(ctx, tx)
	if err != nil {
		return e.fail(tx, err, model.ClassPermanent, true, "cannot verify interrupted submission")
	}

	q := municipality.QueryFor(rec)
	if q.TrackingID == "" {
		if adapter.Capability().NativeIdempotency {
			e.logger.Info("resubmitting interrupted request", "record_id", rec.ID)
			return e.submit(ctx, tx, adapter, h)
		}
		return e.fail(tx, nil, model.ClassUnknown, true, "outcome of interrupted submission is unknown")
	}

	return e.queryThenSubmit(ctx, tx, adapter, h, q)
}

// queryThenSubmit looks the request up at the municipality and submits it
// only when the municipality has no record of it. A failed lookup counts
// against the poll budget, never against the attempt budget.
func (e *Engine) queryThenSubmit(ctx context.Context, tx *Txn, adapter municipality.Adapter, h *certstore.Handle, q municipality.StatusQuery) error {
	rec := tx.Record
	outcome, err := adapter.QueryStatus(ctx, h, q)
	if err != nil {
		return e.inDoubtQueryFailed(tx, err)
	}
	rec.PollFailures = 0

	if rec.State != model.StateSubmitting {
		if err := tx.Transition(model.StateSubmitting, "verified at municipality"); err != nil {
			return err
		}
	}
	if outcome.Kind == model.OutcomeNotFound {
		e.logger.Info("request not found at municipality, submitting", "record_id", rec.ID, "tracking", q.TrackingID)
		return e.submit(ctx, tx, adapter, h)
	}
	e.logger.Info("earlier request already reached the municipality",
		"record_id", rec.ID,
		"tracking", q.TrackingID,
		"outcome", outcome.Kind,
	)
	return e.applyOutcome(tx, outcome)
}

func (e *Engine) inDoubtQueryFailed(tx *Txn, err error) error {
	rec := tx.Record
	policy := e.PolicyFor(rec.Invoice.MunicipalityCode)
	now := e.Now()

	rec.PollFailures++
	rec.SetError(err, model.ClassTransient, now)
	if policy.PollFailureCap > 0 && rec.PollFailures >= policy.PollFailureCap {
		return e.fail(tx, err, model.ClassUnknown, true, "cannot verify earlier submission")
	}

	delay := policy.PollBackoff.Delay(rec.PollFailures, rec.LastBackoff, e.rnd)
	at := now.Add(delay)
	rec.LastBackoff = delay
	rec.NextRetryAt = &at
	if err := tx.Save(); err != nil {
		return err
	}
	e.scheduleAttempt(rec, at)
	return nil
}
