package labinterface

import (
	"context"
	"fmt"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/fhir"
)

func (p *Pipeline) runFHIR(ctx context.Context, cfg *integration.Config, e *messagelog.Entry) verdict {
	res, err := fhir.DecodeResource([]byte(e.RawPayload))
	if err != nil {
		return failed(err, "")
	}
	e.MessageType = string(res.TypeName())
	e.ControlID = res.ResourceID()
	if err := fhir.Check(res); err != nil {
		return failed(err, "")
	}
	if err := e.SetParsed(res); err != nil {
		p.logger.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("failed to snapshot parsed resource")
	}
	if !cfg.SupportsResource(res.TypeName()) {
		return rejected(apperr.New(apperr.KindValidation, CodeUnsupported,
			fmt.Sprintf("resource type %s is not enabled for this integration", res.TypeName())), "")
	}

	var v verdict
	switch r := res.(type) {
	case *fhir.DiagnosticReport:
		v = p.receiveDiagnosticReports(ctx, cfg, e, []*fhir.DiagnosticReport{r}, nil, nil)
	case *fhir.Observation:
		v = p.receiveObservations(ctx, cfg, e, []*fhir.Observation{r}, nil)
	case *fhir.Bundle:
		v = p.receiveBundle(ctx, cfg, e, r)
	case *fhir.Patient:
		v = p.receivePatient(ctx, cfg, e, r)
	case *fhir.ServiceRequest:
		v = processed()
	default:
		v = rejected(apperr.New(apperr.KindValidation, CodeUnsupported,
			fmt.Sprintf("resource type %s is not supported", res.TypeName())), "")
	}
	v.resource = res
	return v
}

// receiveBundle splits a bundle into reports, loose observations and
// patients. Patients in a bundle that carries results only help matching.
func (p *Pipeline) receiveBundle(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, b *fhir.Bundle) verdict {
	resources, err := b.Resources()
	if err != nil {
		return failed(apperr.Wrap(apperr.KindProtocol, "FHIR_DECODE_ERROR", "bundle entry cannot be decoded", err), "")
	}
	var (
		reports      []*fhir.DiagnosticReport
		observations []*fhir.Observation
		patients     []*fhir.Patient
	)
	for _, r := range resources {
		switch r := r.(type) {
		case *fhir.DiagnosticReport:
			reports = append(reports, r)
		case *fhir.Observation:
			observations = append(observations, r)
		case *fhir.Patient:
			patients = append(patients, r)
		}
	}

	hints := make(map[string]lab.Patient, len(patients))
	for _, pr := range patients {
		hints[pr.ID] = lab.PatientFromFHIR(pr)
	}
	switch {
	case len(reports) > 0:
		return p.receiveDiagnosticReports(ctx, cfg, e, reports, observations, hints)
	case len(observations) > 0:
		return p.receiveObservations(ctx, cfg, e, observations, hints)
	case len(patients) > 0:
		var first error
		for _, pr := range patients {
			v := p.receivePatient(ctx, cfg, e, pr)
			if v.status != messagelog.StatusProcessed {
				return v
			}
			if first == nil {
				first = v.cause
			}
		}
		if first != nil {
			return partial(first)
		}
		return processed()
	}
	return rejected(apperr.New(apperr.KindValidation, CodeUnsupported, "bundle carries no reports, observations or patients"), "")
}

func (p *Pipeline) receiveDiagnosticReports(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, drs []*fhir.DiagnosticReport, observations []*fhir.Observation, hints map[string]lab.Patient) verdict {
	reports := make([]lab.Report, 0, len(drs))
	for _, dr := range drs {
		r, err := lab.ReportFromFHIR(dr, observations)
		if err != nil {
			return failed(apperr.Wrap(apperr.KindProtocol, "FHIR_DECODE_ERROR", "report cannot be read", err), "")
		}
		reports = append(reports, r)
	}
	return p.receiveReports(ctx, cfg, e, reports, hints)
}

// receiveObservations treats each observation as a one-line report for the
// order it is based on.
func (p *Pipeline) receiveObservations(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, observations []*fhir.Observation, hints map[string]lab.Patient) verdict {
	reports := make([]lab.Report, 0, len(observations))
	for _, obs := range observations {
		r := lab.ResultFromFHIR(obs)
		reports = append(reports, lab.Report{
			OrderNumber: basedOnOrder(obs.BasedOn),
			PatientID:   r.PatientID,
			Code:        r.Test,
			Status:      r.Status,
			Results:     []lab.Result{r},
		})
	}
	return p.receiveReports(ctx, cfg, e, reports, hints)
}

func basedOnOrder(refs []fhir.Reference) string {
	for _, ref := range refs {
		if ref.Identifier != nil && ref.Identifier.Value != "" {
			return ref.Identifier.Value
		}
		if id, ok := ref.ReferenceID(fhir.TypeServiceRequest); ok {
			return id
		}
	}
	return ""
}

func (p *Pipeline) receiveReports(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, reports []lab.Report, hints map[string]lab.Patient) verdict {
	var first error
	note := func(err error) bool {
		if !apperr.Is(err, apperr.KindDomainMismatch) {
			return false
		}
		if first == nil {
			first = err
		}
		return true
	}

	for _, r := range reports {
		want := hints[r.PatientID]
		want.ID = r.PatientID
		patient, created, err := p.resolvePatient(ctx, cfg, want, cfg.AutoCreatePatients)
		if err != nil {
			if note(err) {
				continue
			}
			return failed(err, "")
		}
		e.PatientID = patient.ID
		if created {
			p.notify(ctx, cfg, e, lab.EventPatientCreated, nil, nil)
		}

		r.PatientID = patient.ID
		for i := range r.Results {
			r.Results[i].PatientID = patient.ID
		}
		if err := p.applyReport(ctx, cfg, e, r); err != nil && !note(err) {
			return failed(err, "")
		}
	}
	if first != nil {
		return partial(first)
	}
	return processed()
}

// receivePatient resolves or creates the patient. The resource id in the
// response is replaced with the clinic's id.
func (p *Pipeline) receivePatient(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, r *fhir.Patient) verdict {
	patient, created, err := p.resolvePatient(ctx, cfg, lab.PatientFromFHIR(r), true)
	if err != nil {
		return classify(err)
	}
	e.PatientID = patient.ID
	r.SetResourceID(patient.ID)
	if created {
		p.notify(ctx, cfg, e, lab.EventPatientCreated, nil, nil)
	}
	return processed()
}
