package labinterface

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
)

// resolvePatient finds the clinic patient a message refers to: by id first,
// then by name and birth date when the integration allows it. More than one
// fallback candidate is treated as no match. When create is set a patient
// that cannot be found is created from the message.
func (p *Pipeline) resolvePatient(ctx context.Context, cfg *integration.Config, want lab.Patient, create bool) (*lab.Patient, bool, error) {
	if want.ID != "" {
		found, err := p.patients.FindByID(ctx, want.ID)
		switch {
		case err == nil:
			return found, false, nil
		case !errors.Is(err, lab.ErrNotFound):
			return nil, false, fmt.Errorf("find patient %s: %w", want.ID, err)
		}
	}

	if cfg.MatchingStrategy == integration.MatchIDThenNameDOB && want.LastName != "" && !want.BirthDate.IsZero() {
		candidates, err := p.patients.FindByNameAndBirthDate(ctx, want.LastName, want.FirstName, want.BirthDate)
		if err != nil && !errors.Is(err, lab.ErrNotFound) {
			return nil, false, fmt.Errorf("match patient by name: %w", err)
		}
		candidates = narrow(candidates, want, cfg.MatchFields)
		switch len(candidates) {
		case 0:
		case 1:
			return &candidates[0], false, nil
		default:
			return nil, false, mismatch(CodeAmbiguousPatient,
				fmt.Sprintf("%d patients match %s born %s", len(candidates), want.FullName(), want.BirthDate.Format("2006-01-02")))
		}
	}

	if !create {
		return nil, false, mismatch(CodePatientNotFound, fmt.Sprintf("no patient matches id %q", want.ID))
	}
	if want.LastName == "" {
		return nil, false, mismatch(CodePatientNotFound, "patient cannot be created without a family name")
	}
	created, err := p.patients.Create(ctx, want)
	if err != nil {
		return nil, false, fmt.Errorf("create patient: %w", err)
	}
	return created, true, nil
}

// narrow keeps candidates whose birth date and extra match fields agree with
// want. Fields that want leaves empty are not compared.
func narrow(candidates []lab.Patient, want lab.Patient, fields []string) []lab.Patient {
	out := candidates[:0:0]
	for _, c := range candidates {
		if !lab.SameBirthDate(c.BirthDate, want.BirthDate) {
			continue
		}
		ok := true
		for _, f := range fields {
			var have, need string
			switch integration.MatchField(f) {
			case integration.MatchGender:
				have, need = string(c.Gender), string(want.Gender)
			case integration.MatchMRN:
				have, need = c.MRN, want.MRN
			case integration.MatchPhone:
				have, need = c.Phone, want.Phone
			case integration.MatchEmail:
				have, need = c.Email, want.Email
			}
			if need != "" && !strings.EqualFold(have, need) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// findOrder looks an order up by each number in turn.
func (p *Pipeline) findOrder(ctx context.Context, numbers ...string) (*lab.LabOrder, error) {
	var tried []string
	for _, n := range numbers {
		if n == "" {
			continue
		}
		tried = append(tried, n)
		o, err := p.orders.FindByOrderNumber(ctx, n)
		if errors.Is(err, lab.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find order %s: %w", n, err)
		}
		return o, nil
	}
	if len(tried) == 0 {
		return nil, mismatch(CodeOrderNotFound, "message carries no order number")
	}
	return nil, mismatch(CodeOrderNotFound, fmt.Sprintf("no order matches %s", strings.Join(tried, " or ")))
}

// toInternal replaces the laboratory's test code with the clinic's. Codes
// without an active mapping are kept as sent.
func (p *Pipeline) toInternal(ctx context.Context, cfg *integration.Config, r lab.Result) (lab.Result, error) {
	m, err := p.registry.ToInternal(ctx, cfg.ID, r.Test.Code)
	switch {
	case err == nil:
		display := m.InternalName
		if display == "" {
			display = r.Test.Display
		}
		r.Test = lab.Code{Code: m.InternalCode, Display: display}
	case !apperr.Is(err, apperr.KindNotFound):
		return r, fmt.Errorf("translate test code %s: %w", r.Test.Code, err)
	}
	return r, nil
}

// applyReport stores a report's results on the order it answers.
func (p *Pipeline) applyReport(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, report lab.Report) error {
	order, err := p.findOrder(ctx, report.OrderNumber, report.FillerNumber)
	if err != nil {
		return err
	}
	if order.PatientID != report.PatientID {
		return mismatch(CodeOrderNotFound,
			fmt.Sprintf("order %s does not belong to patient %s", order.OrderNumber, report.PatientID))
	}
	e.OrderID = order.ID

	appended := 0
	var critical []lab.Result
	for _, r := range report.Results {
		r, err := p.toInternal(ctx, cfg, r)
		if err != nil {
			return err
		}
		if order.ApplyResult(r) {
			appended++
		}
		if r.Flag.IsCritical() {
			critical = append(critical, r)
		}
	}
	if order.FillerNumber == "" {
		order.FillerNumber = report.FillerNumber
	}
	if order.Status == lab.OrderPending {
		order.Status = lab.OrderInProgress
	}
	if err := p.orders.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("update order %s: %w", order.ID, err)
	}

	p.notify(ctx, cfg, e, lab.EventResultReceived, order, map[string]string{
		"results":  strconv.Itoa(len(report.Results)),
		"appended": strconv.Itoa(appended),
	})
	for _, r := range critical {
		p.notify(ctx, cfg, e, lab.EventCriticalResult, order, map[string]string{
			"test":  r.Test.Code,
			"value": r.Value.String(),
			"flag":  string(r.Flag),
		})
	}

	if cfg.AutoCompleteOrders && !order.IsClosed() && order.AllTestsCompleted() {
		if err := p.orders.Complete(ctx, order.ID); err != nil {
			return fmt.Errorf("complete order %s: %w", order.ID, err)
		}
		p.notify(ctx, cfg, e, lab.EventOrderCompleted, order, nil)
	}
	return nil
}

// notify dispatches an event. Delivery failures are logged and do not fail
// the message.
func (p *Pipeline) notify(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, t lab.EventType, order *lab.LabOrder, attrs map[string]string) {
	ev := lab.Event{
		Type:          t,
		IntegrationID: cfg.ID.String(),
		PatientID:     e.PatientID,
		MessageID:     e.ID.String(),
		OccurredAt:    p.now().UTC(),
		Attributes:    attrs,
	}
	if order != nil {
		ev.OrderID = order.ID
		ev.PatientID = order.PatientID
	}
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.logger.Warn().Err(err).
			Str("event", string(t)).
			Str("entry_id", e.ID.String()).
			Msg("failed to dispatch notification")
	}
}
