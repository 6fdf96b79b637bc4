package domain

import "time"

type Severity string

const (
	SeverityLeve               Severity = "LEVE"
	SeverityRelevante          Severity = "RELEVANTE"
	SeverityGrave              Severity = "GRAVE"
	SeverityGravisimaExpulsion Severity = "GRAVISIMA_EXPULSION"
)

// Severities lists every severity from least to most severe.
var Severities = []Severity{SeverityLeve, SeverityRelevante, SeverityGrave, SeverityGravisimaExpulsion}

func (s Severity) IsValid() bool {
	switch s {
	case SeverityLeve, SeverityRelevante, SeverityGrave, SeverityGravisimaExpulsion:
		return true
	default:
		return false
	}
}

func (s Severity) String() string { return string(s) }

type Stage string

const (
	StageInicio              Stage = "INICIO"
	StageNotificado          Stage = "NOTIFICADO"
	StageDescargos           Stage = "DESCARGOS"
	StageInvestigacion       Stage = "INVESTIGACION"
	StageResolucionPendiente Stage = "RESOLUCION_PENDIENTE"
	StageReconsideracion     Stage = "RECONSIDERACION"
	StageCerradoSancion      Stage = "CERRADO_SANCION"
	StageCerradoGCC          Stage = "CERRADO_GCC"
)

// LinearStages is the procedural order of the non-terminal stages.
var LinearStages = []Stage{
	StageInicio,
	StageNotificado,
	StageDescargos,
	StageInvestigacion,
	StageResolucionPendiente,
	StageReconsideracion,
}

func (s Stage) IsValid() bool {
	return s.IsTerminal() || s.Position() >= 0
}

// IsTerminal reports whether the stage closes the case.
func (s Stage) IsTerminal() bool {
	return s == StageCerradoSancion || s == StageCerradoGCC
}

// Position returns the index of s in LinearStages, or -1 for terminal or unknown stages.
func (s Stage) Position() int {
	for i, st := range LinearStages {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) String() string { return string(s) }

type PriorMeasures struct {
	WrittenWarning     bool `json:"written_warning"`
	SupportPlanApplied bool `json:"support_plan_applied"`
}

// StudentRef points at a student involved in a case.
type StudentRef struct {
	StudentID   string `json:"student_id"`
	DisplayName string `json:"display_name"`
	Cohort      string `json:"cohort,omitempty"`
}

type Case struct {
	ID             string        `json:"id"`
	InternalID     string        `json:"internal_id"`
	Severity       Severity      `json:"severity" enum:"LEVE,RELEVANTE,GRAVE,GRAVISIMA_EXPULSION"`
	Stage          Stage         `json:"stage"`
	StartedAt      time.Time     `json:"started_at" format:"date-time"`
	FatalDeadline  time.Time     `json:"fatal_deadline" format:"date-time"`
	PriorMeasures  PriorMeasures `json:"prior_measures"`
	PrimaryActor   StudentRef    `json:"primary_actor"`
	SecondaryActor *StudentRef   `json:"secondary_actor,omitempty"`
	Description    string        `json:"description,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time     `json:"updated_at" format:"date-time"`
}

// Locked reports whether the case sits in a terminal stage.
func (c Case) Locked() bool { return c.Stage.IsTerminal() }

// Bilateral reports whether the case involves a second student.
func (c Case) Bilateral() bool { return c.SecondaryActor != nil }

// Milestone is an append-only procedural record for one stage of a case.
type Milestone struct {
	ID        int64      `json:"id"`
	CaseID    string     `json:"case_id"`
	Title     Stage      `json:"title"`
	Summary   string     `json:"summary,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty" format:"date-time"`
	Completed bool       `json:"completed"`
	ActorID   string     `json:"actor_id,omitempty"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
}

type Mechanism string

const (
	MechanismMediacion           Mechanism = "MEDIACION"
	MechanismConciliacion        Mechanism = "CONCILIACION"
	MechanismArbitrajePedagogico Mechanism = "ARBITRAJE_PEDAGOGICO"
	MechanismNegociacionAsistida Mechanism = "NEGOCIACION_ASISTIDA"
)

func (m Mechanism) IsValid() bool {
	switch m {
	case MechanismMediacion, MechanismConciliacion, MechanismArbitrajePedagogico, MechanismNegociacionAsistida:
		return true
	default:
		return false
	}
}

type MediationState string

const (
	MediationOpen             MediationState = "OPEN"
	MediationInProgress       MediationState = "IN_PROGRESS"
	MediationAgreementTotal   MediationState = "AGREEMENT_TOTAL"
	MediationAgreementPartial MediationState = "AGREEMENT_PARTIAL"
	MediationNoAgreement      MediationState = "NO_AGREEMENT"
	MediationNotReconcilable  MediationState = "NOT_RECONCILABLE"
)

func (s MediationState) IsValid() bool {
	switch s {
	case MediationOpen, MediationInProgress:
		return true
	default:
		return s.IsOutcome()
	}
}

// IsOutcome reports whether s is one of the terminal results of a mediation.
func (s MediationState) IsOutcome() bool {
	switch s {
	case MediationAgreementTotal, MediationAgreementPartial, MediationNoAgreement, MediationNotReconcilable:
		return true
	default:
		return false
	}
}

// IsFavorable reports whether s is an agreement.
func (s MediationState) IsFavorable() bool {
	return s == MediationAgreementTotal || s == MediationAgreementPartial
}

type Commitment struct {
	Description      string     `json:"description"`
	DueDate          *time.Time `json:"due_date,omitempty" format:"date-time"`
	ResponsibleParty string     `json:"responsible_party"`
	Verified         bool       `json:"verified"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty" format:"date-time"`
}

type MediationProcess struct {
	ID               string         `json:"id"`
	CaseID           string         `json:"case_id"`
	Mechanism        Mechanism      `json:"mechanism"`
	State            MediationState `json:"state"`
	SuspensionActive bool           `json:"suspension_active"`
	Deadline         time.Time      `json:"deadline" format:"date-time"`
	Agreements       []string       `json:"agreements,omitempty"`
	Commitments      []Commitment   `json:"commitments,omitempty"`
	Closed           bool           `json:"closed"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty" format:"date-time"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty" format:"date-time"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time      `json:"updated_at" format:"date-time"`
}

// Active reports whether the process still holds the case in the mediation track.
func (m MediationProcess) Active() bool { return !m.Closed }

type AuditKind string

const (
	AuditCaseCreated            AuditKind = "CASE_CREATED"
	AuditStageChanged           AuditKind = "STAGE_CHANGED"
	AuditPriorMeasuresUpdated   AuditKind = "PRIOR_MEASURES_UPDATED"
	AuditSanctionFinalized      AuditKind = "SANCTION_FINALIZED"
	AuditUnblocked              AuditKind = "UNBLOCKED"
	AuditMediationStarted       AuditKind = "MEDIATION_STARTED"
	AuditMediationInProgress    AuditKind = "MEDIATION_IN_PROGRESS"
	AuditMediationResolved      AuditKind = "MEDIATION_RESOLVED"
	AuditSettlementActIssued    AuditKind = "SETTLEMENT_ACT_ISSUED"
	AuditNoAgreementRecorded    AuditKind = "NO_AGREEMENT_RECORDED"
	AuditMediationClosedSuccess AuditKind = "MEDIATION_CLOSED_SUCCESS"
	AuditCommitmentVerified     AuditKind = "COMMITMENT_VERIFIED"
)

// AuditEvent is immutable once appended.
type AuditEvent struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp" format:"date-time"`
	Kind        AuditKind      `json:"kind"`
	CaseID      string         `json:"case_id"`
	MediationID string         `json:"mediation_id,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type TimelineKind string

const (
	TimelineMilestone         TimelineKind = "MILESTONE"
	TimelineMediationDiverted TimelineKind = "MEDIATION_DIVERTED"
	TimelineMediationOutcome  TimelineKind = "MEDIATION_OUTCOME"
	TimelineMediationClosed   TimelineKind = "MEDIATION_CLOSED"
)

// TimelineKindForAudit maps an audit kind onto the timeline's kind space.
func TimelineKindForAudit(k AuditKind) TimelineKind { return TimelineKind(k) }

type TimelineEntry struct {
	Timestamp   time.Time    `json:"timestamp" format:"date-time"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Kind        TimelineKind `json:"kind"`
	Actor       string       `json:"actor,omitempty"`
	MediationID string       `json:"mediation_id,omitempty"`
}
