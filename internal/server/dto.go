package server

import (
	"fmt"
	"strings"
	"time"

	"expedientes/internal/db"
	"expedientes/internal/domain"
	"expedientes/internal/engine"
)

// Request payloads

type StudentRequest struct {
	StudentID   string `json:"student_id" minLength:"1"`
	DisplayName string `json:"display_name,omitempty"`
	Cohort      string `json:"cohort,omitempty"`
}

type PriorMeasuresRequest struct {
	WrittenWarning     bool `json:"written_warning"`
	SupportPlanApplied bool `json:"support_plan_applied"`
}

type CreateCaseRequest struct {
	ID             string                `json:"id,omitempty" doc:"Public folio; generated when omitted"`
	Severity       string                `json:"severity" enum:"LEVE,RELEVANTE,GRAVE,GRAVISIMA_EXPULSION"`
	StartedAt      *time.Time            `json:"started_at,omitempty" format:"date-time"`
	PrimaryActor   StudentRequest        `json:"primary_actor"`
	SecondaryActor *StudentRequest       `json:"secondary_actor,omitempty"`
	PriorMeasures  *PriorMeasuresRequest `json:"prior_measures,omitempty"`
	Description    string                `json:"description,omitempty"`
}

type AdvanceStageRequest struct {
	Target string `json:"target" example:"NOTIFICADO"`
}

type DivertRequest struct {
	Mechanism    string     `json:"mechanism" enum:"MEDIACION,CONCILIACION,ARBITRAJE_PEDAGOGICO,NEGOCIACION_ASISTIDA"`
	DeadlineHint *time.Time `json:"deadline_hint,omitempty" format:"date-time"`
}

type CommitmentRequest struct {
	Description      string     `json:"description"`
	ResponsibleParty string     `json:"responsible_party,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty" format:"date-time"`
}

type OutcomeRequest struct {
	Result      string              `json:"result" example:"AGREEMENT_TOTAL"`
	Agreements  []string            `json:"agreements,omitempty"`
	Commitments []CommitmentRequest `json:"commitments,omitempty"`
}

type VerifyCommitmentRequest struct {
	Verified bool `json:"verified"`
}

type MilestoneRequest struct {
	Title     string     `json:"title" example:"NOTIFICADO"`
	Summary   string     `json:"summary,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty" format:"date-time"`
	Completed bool       `json:"completed,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type CaseResponse struct {
	domain.Case
	Locked    bool `json:"locked"`
	Bilateral bool `json:"bilateral"`
}

type MediationResponse struct {
	Case      CaseResponse            `json:"case"`
	Mediation domain.MediationProcess `json:"mediation"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{Case: c, Locked: c.Locked(), Bilateral: c.Bilateral()}
}

func mapCases(items []domain.Case) []CaseResponse {
	out := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		out = append(out, caseResponse(c))
	}
	return out
}

func mediationResponse(r engine.MediationResult) MediationResponse {
	return MediationResponse{Case: caseResponse(r.Case), Mediation: r.Mediation}
}

func studentRef(r StudentRequest) domain.StudentRef {
	return domain.StudentRef{StudentID: strings.TrimSpace(r.StudentID), DisplayName: r.DisplayName, Cohort: r.Cohort}
}

func commitments(in []CommitmentRequest) []domain.Commitment {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Commitment, len(in))
	for i, c := range in {
		out[i] = domain.Commitment{Description: c.Description, ResponsibleParty: c.ResponsibleParty, DueDate: c.DueDate}
	}
	return out
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	ts, err := db.ParseTime(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return db.FormatTime(ts), parts[1], nil
}

func composeCursor(ts time.Time, id string) string {
	if ts.IsZero() || id == "" {
		return ""
	}
	return db.FormatTime(ts) + "|" + id
}
