package results

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/events"
)

func TestSaveResult_Draft(t *testing.T) {
	f := newFixture()
	a := f.assignment(workflow.StatusInProgress)

	res, err := f.svc.SaveResult(as(f.tech), a.ID, SaveInput{
		Values: []ValueInput{
			{ParameterID: f.param(1), Value: "10.1"},
			{ParameterID: f.param(0), Value: "12.4"},
		},
		Interpretation: sptr("  "),
	})
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if res.Status != StatusDraft || res.PatientID != f.patient.ID || *res.EnteredBy != f.tech.ID {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Interpretation != nil {
		t.Error("expected blank interpretation dropped")
	}
	if len(res.Values) != 2 || res.Values[0].ParameterName != "WBC" {
		t.Fatalf("expected values in catalog order, got %+v", res.Values)
	}
	if res.Values[0].Flag != FlagHigh || res.Values[1].Flag != FlagLow {
		t.Errorf("unexpected flags %s %s", res.Values[0].Flag, res.Values[1].Flag)
	}
	if f.assignments.items[a.ID].Status != workflow.StatusInProgress {
		t.Error("expected a partial save to leave the assignment in progress")
	}
}

func TestSaveResult_CompleteMovesAssignment(t *testing.T) {
	f := newFixture()
	a := f.assignment(workflow.StatusInProgress)

	if _, err := f.svc.SaveResult(as(f.tech), a.ID, SaveInput{Values: f.fullValues(), Complete: true}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if f.assignments.items[a.ID].Status != workflow.StatusCompleted {
		t.Error("expected assignment completed")
	}

	// Saving again reopens and, when complete, completes once more.
	res, err := f.svc.SaveResult(as(f.tech), a.ID, SaveInput{Values: f.fullValues(), Complete: true})
	if err != nil {
		t.Fatalf("second SaveResult: %v", err)
	}
	if want := []string{"complete", "reopen", "complete"}; !reflect.DeepEqual(f.assignments.calls, want) {
		t.Errorf("calls = %v, want %v", f.assignments.calls, want)
	}
	if len(f.repo.items) != 1 || res.Status != StatusDraft {
		t.Error("expected the result updated in place")
	}
}

func TestSaveResult_Validation(t *testing.T) {
	f := newFixture()
	a := f.assignment(workflow.StatusInProgress)

	tests := []struct {
		name string
		in   SaveInput
	}{
		{"unknown parameter", SaveInput{Values: []ValueInput{{ParameterID: uuid.New(), Value: "1"}}}},
		{"duplicate parameter", SaveInput{Values: []ValueInput{{ParameterID: f.param(0), Value: "1"}, {ParameterID: f.param(0), Value: "2"}}}},
		{"empty value", SaveInput{Values: []ValueInput{{ParameterID: f.param(0), Value: " "}}}},
		{"incomplete", SaveInput{Values: []ValueInput{{ParameterID: f.param(0), Value: "5"}}, Complete: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.SaveResult(as(f.tech), a.ID, tt.in); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if len(f.repo.items) != 0 {
		t.Error("expected nothing persisted")
	}
}

func TestSaveResult_Authorization(t *testing.T) {
	f := newFixture()
	a := f.assignment(workflow.StatusInProgress)

	if _, err := f.svc.SaveResult(as(f.otherTech), a.ID, SaveInput{Values: f.fullValues()}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	admin := auth.WithIdentity(context.Background(), uuid.NewString(), auth.RoleAdmin)
	if _, err := f.svc.SaveResult(admin, a.ID, SaveInput{Values: f.fullValues()}); err != nil {
		t.Errorf("expected admin override, got %v", err)
	}
}

func TestSaveResult_AssignmentNotStarted(t *testing.T) {
	f := newFixture()
	a := f.assignment(workflow.StatusAssigned)
	if _, err := f.svc.SaveResult(as(f.tech), a.ID, SaveInput{Values: f.fullValues()}); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSaveResult_UnknownAssignment(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.SaveResult(as(f.tech), uuid.New(), SaveInput{}); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected workflow.ErrNotFound, got %v", err)
	}
}

func TestSubmitResult(t *testing.T) {
	f := newFixture()
	res := f.submitted()

	if res.Status != StatusSubmitted || res.SubmittedAt == nil {
		t.Errorf("unexpected result %+v", res)
	}
	if f.assignments.items[res.AssignmentID].Status != workflow.StatusSubmitted {
		t.Error("expected assignment submitted")
	}
	if len(f.pub.OfType(events.ResultSubmitted)) != 1 {
		t.Error("expected result.submitted event")
	}
	if _, err := f.svc.SubmitResult(as(f.tech), res.AssignmentID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected second submit refused, got %v", err)
	}
}

func TestSubmitResult_Preconditions(t *testing.T) {
	f := newFixture()
	a := f.assignment(workflow.StatusCompleted)
	if _, err := f.svc.SubmitResult(as(f.tech), a.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation without a result, got %v", err)
	}

	b := f.assignment(workflow.StatusInProgress)
	if _, err := f.svc.SaveResult(as(f.tech), b.ID, SaveInput{Values: f.fullValues()}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if _, err := f.svc.SubmitResult(as(f.tech), b.ID); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("expected an in-progress assignment refused, got %v", err)
	}
}

func TestApprove(t *testing.T) {
	f := newFixture()
	res := f.submitted()

	if _, err := f.svc.Approve(as(f.tech), res.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected technicians refused, got %v", err)
	}

	approved, err := f.svc.Approve(as(f.doctor), res.ID, "Within normal limits")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusApproved || *approved.ReviewedBy != f.doctor.ID || approved.ReviewedAt == nil {
		t.Errorf("unexpected result %+v", approved)
	}
	if *approved.ReviewComment != "Within normal limits" {
		t.Error("expected review comment kept")
	}
	if len(f.pub.OfType(events.ResultApproved)) != 1 {
		t.Error("expected result.approved event")
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.sent))
	}
	n := f.notifier.sent[0]
	if n.template != resultReadyTemplate || n.recipient != "ada@example.com" || n.data["test_name"] != "Complete Blood Count" {
		t.Errorf("unexpected notification %+v", n)
	}

	if _, err := f.svc.Approve(as(f.doctor), res.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected approved to be final, got %v", err)
	}
	if _, err := f.svc.Reject(as(f.doctor), res.ID, "late change"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected approved result not rejectable, got %v", err)
	}
}

func TestApprove_CannotAmend(t *testing.T) {
	f := newFixture()
	res := f.submitted()
	if _, err := f.svc.Approve(as(f.doctor), res.ID, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := f.svc.SaveResult(as(f.tech), res.AssignmentID, SaveInput{Values: f.fullValues()}); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("expected amendment refused, got %v", err)
	}
}

func TestApprove_NoPatientEmail(t *testing.T) {
	f := newFixture()
	f.patient.Email = nil
	res := f.submitted()
	if _, err := f.svc.Approve(as(f.doctor), res.ID, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(f.notifier.sent) != 0 {
		t.Error("expected no notification without an email")
	}
}

func TestReject(t *testing.T) {
	f := newFixture()
	res := f.submitted()

	if _, err := f.svc.Reject(as(f.doctor), res.ID, "  "); !errors.Is(err, ErrValidation) {
		t.Errorf("expected reason required, got %v", err)
	}

	rejected, err := f.svc.Reject(as(f.doctor), res.ID, "hemolyzed sample")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != StatusRejected || *rejected.ReviewComment != "hemolyzed sample" {
		t.Errorf("unexpected result %+v", rejected)
	}
	if f.assignments.items[res.AssignmentID].Status != workflow.StatusInProgress {
		t.Error("expected the assignment returned for rework")
	}
	if len(f.pub.OfType(events.ResultRejected)) != 1 {
		t.Error("expected result.rejected event")
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.sent))
	}
	n := f.notifier.sent[0]
	if n.template != resultRejectedTemplate || n.recipient != f.tech.Email || n.data["reviewer"] != "Dr. Dana" || n.data["reason"] != "hemolyzed sample" {
		t.Errorf("unexpected notification %+v", n)
	}

	// The technician corrects and resubmits.
	again, err := f.svc.SaveResult(as(f.tech), res.AssignmentID, SaveInput{Values: f.fullValues(), Complete: true})
	if err != nil {
		t.Fatalf("SaveResult after rejection: %v", err)
	}
	if again.Status != StatusDraft {
		t.Errorf("expected DRAFT after rework, got %s", again.Status)
	}
	if _, err := f.svc.SubmitResult(as(f.tech), res.AssignmentID); err != nil {
		t.Errorf("resubmit: %v", err)
	}
}

func TestGetResult_Visibility(t *testing.T) {
	f := newFixture()
	res := f.submitted()

	if _, err := f.svc.GetResult(as(f.tech), res.ID); err != nil {
		t.Errorf("expected owner to read, got %v", err)
	}
	if _, err := f.svc.GetResult(as(f.doctor), res.ID); err != nil {
		t.Errorf("expected doctor to read, got %v", err)
	}
	if _, err := f.svc.GetResult(as(f.otherTech), res.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected other technician refused, got %v", err)
	}
	if _, err := f.svc.GetByAssignment(as(f.reception), res.AssignmentID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected receptionist refused, got %v", err)
	}
	if _, err := f.svc.GetResult(as(f.doctor), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListResults(t *testing.T) {
	f := newFixture()
	f.submitted()
	f.submitted()
	draft := f.assignment(workflow.StatusInProgress)
	if _, err := f.svc.SaveResult(as(f.tech), draft.ID, SaveInput{Values: f.fullValues()}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	_, total, err := f.svc.ListResults(as(f.doctor), Filter{Status: StatusSubmitted}, 20, 0)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 submitted, got %d", total)
	}
	if _, _, err := f.svc.ListResults(as(f.tech), Filter{}, 20, 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected technicians refused, got %v", err)
	}
	if _, _, err := f.svc.ListResults(as(f.doctor), Filter{Status: "FINAL"}, 20, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestApprovedForPatient(t *testing.T) {
	f := newFixture()
	for i := 0; i < 3; i++ {
		res := f.submitted()
		if i < 2 {
			if _, err := f.svc.Approve(as(f.doctor), res.ID, ""); err != nil {
				t.Fatalf("Approve: %v", err)
			}
		}
	}
	approved, err := f.svc.ApprovedForPatient(context.Background(), f.patient.ID)
	if err != nil {
		t.Fatalf("ApprovedForPatient: %v", err)
	}
	if len(approved) != 2 {
		t.Errorf("expected 2 approved results, got %d", len(approved))
	}
}
