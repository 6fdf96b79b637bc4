package expedientessdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal expedientes HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers
	// accept it only when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Student struct {
	StudentID   string `json:"student_id"`
	DisplayName string `json:"display_name,omitempty"`
	Cohort      string `json:"cohort,omitempty"`
}

type PriorMeasures struct {
	WrittenWarning     bool `json:"written_warning"`
	SupportPlanApplied bool `json:"support_plan_applied"`
}

// Case represents the API case model.
type Case struct {
	ID             string        `json:"id"`
	InternalID     string        `json:"internal_id"`
	Severity       string        `json:"severity"`
	Stage          string        `json:"stage"`
	StartedAt      time.Time     `json:"started_at"`
	FatalDeadline  time.Time     `json:"fatal_deadline"`
	PriorMeasures  PriorMeasures `json:"prior_measures"`
	PrimaryActor   Student       `json:"primary_actor"`
	SecondaryActor *Student      `json:"secondary_actor,omitempty"`
	Description    string        `json:"description,omitempty"`
	Version        int64         `json:"version"`
	Locked         bool          `json:"locked"`
	Bilateral      bool          `json:"bilateral"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type Commitment struct {
	Description      string     `json:"description"`
	ResponsibleParty string     `json:"responsible_party,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	Verified         bool       `json:"verified,omitempty"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
}

// Mediation represents an alternative conflict-resolution process.
type Mediation struct {
	ID               string       `json:"id"`
	CaseID           string       `json:"case_id"`
	Mechanism        string       `json:"mechanism"`
	State            string       `json:"state"`
	SuspensionActive bool         `json:"suspension_active"`
	Deadline         time.Time    `json:"deadline"`
	Agreements       []string     `json:"agreements,omitempty"`
	Commitments      []Commitment `json:"commitments,omitempty"`
	Closed           bool         `json:"closed"`
	ClosedAt         *time.Time   `json:"closed_at,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	Version          int64        `json:"version"`
}

// MediationResult pairs a mediation with the case it changed.
type MediationResult struct {
	Case      Case      `json:"case"`
	Mediation Mediation `json:"mediation"`
}

type Milestone struct {
	ID        int64      `json:"id"`
	CaseID    string     `json:"case_id"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Completed bool       `json:"completed"`
	ActorID   string     `json:"actor_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type TimelineEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Kind        string    `json:"kind"`
	Actor       string    `json:"actor,omitempty"`
	MediationID string    `json:"mediation_id,omitempty"`
}

// Timeline is one page of a case history. Degraded names the sources that
// could not be read.
type Timeline struct {
	CaseID   string          `json:"case_id"`
	Entries  []TimelineEntry `json:"entries"`
	Degraded []string        `json:"degraded,omitempty"`
}

type GateResult struct {
	CaseID   string   `json:"case_id"`
	Severity string   `json:"severity"`
	Allowed  bool     `json:"allowed"`
	Missing  []string `json:"missing,omitempty"`
}

type DeadlineReport struct {
	CaseID            string    `json:"case_id"`
	Stage             string    `json:"stage"`
	FatalDeadline     time.Time `json:"fatal_deadline"`
	EffectiveDeadline time.Time `json:"effective_deadline"`
	Paused            bool      `json:"paused"`
	MediationID       string    `json:"mediation_id,omitempty"`
	DaysRemaining     int       `json:"days_remaining"`
	Overdue           bool      `json:"overdue"`
	Closed            bool      `json:"closed"`
}

// PaginatedCases wraps list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateCaseInput are the fields accepted by CreateCase.
type CreateCaseInput struct {
	ID             string         `json:"id,omitempty"`
	Severity       string         `json:"severity"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	PrimaryActor   Student        `json:"primary_actor"`
	SecondaryActor *Student       `json:"secondary_actor,omitempty"`
	PriorMeasures  *PriorMeasures `json:"prior_measures,omitempty"`
	Description    string         `json:"description,omitempty"`
}

// ListCasesOptions filters ListCases. Zero values are omitted.
type ListCasesOptions struct {
	Stage    string
	Severity string
	Limit    int
	Cursor   string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Kind       string
	Message    string
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCase opens a case.
func (c *Client) CreateCase(ctx context.Context, in CreateCaseInput) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", in, &resp)
	return resp, err
}

// GetCase fetches a case by folio.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, casePath(id, ""), nil, &resp)
	return resp, err
}

// ListCases returns one page of cases, newest first.
func (c *Client) ListCases(ctx context.Context, opts ListCasesOptions) (PaginatedCases, error) {
	q := url.Values{}
	if opts.Stage != "" {
		q.Set("stage", opts.Stage)
	}
	if opts.Severity != "" {
		q.Set("severity", opts.Severity)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "cases"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdvanceStage moves a case to another non-terminal stage.
func (c *Client) AdvanceStage(ctx context.Context, id, target string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(id, "stage"), map[string]any{"target": target}, &resp)
	return resp, err
}

// SetPriorMeasures replaces the recorded prior formative measures.
func (c *Client) SetPriorMeasures(ctx context.Context, id string, pm PriorMeasures) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPut, casePath(id, "prior-measures"), pm, &resp)
	return resp, err
}

// SanctionGate reports whether a sanction may be finalized.
func (c *Client) SanctionGate(ctx context.Context, id string) (GateResult, error) {
	var resp GateResult
	err := c.do(ctx, http.MethodGet, casePath(id, "sanction-gate"), nil, &resp)
	return resp, err
}

// FinalizeSanction closes a case in CERRADO_SANCION.
func (c *Client) FinalizeSanction(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(id, "sanction"), nil, &resp)
	return resp, err
}

// Unblock returns a suspended case to INVESTIGACION.
func (c *Client) Unblock(ctx context.Context, id string) (MediationResult, error) {
	var resp MediationResult
	err := c.do(ctx, http.MethodPost, casePath(id, "unblock"), nil, &resp)
	return resp, err
}

// Deadline reports the effective deadline of a case.
func (c *Client) Deadline(ctx context.Context, id string) (DeadlineReport, error) {
	var resp DeadlineReport
	err := c.do(ctx, http.MethodGet, casePath(id, "deadline"), nil, &resp)
	return resp, err
}

// Timeline returns one page of the merged case history.
func (c *Client) Timeline(ctx context.Context, id string, limit, offset int) (Timeline, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	endpoint := casePath(id, "timeline")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Timeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddMilestone appends a milestone to a case.
func (c *Client) AddMilestone(ctx context.Context, id, stage, summary string, completed bool) (Milestone, error) {
	body := map[string]any{
		"title":     stage,
		"summary":   summary,
		"completed": completed,
	}
	var resp Milestone
	err := c.do(ctx, http.MethodPost, casePath(id, "milestones"), body, &resp)
	return resp, err
}

// CurrentMilestone returns the latest milestone of a stage.
func (c *Client) CurrentMilestone(ctx context.Context, id, stage string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodGet, casePath(id, "milestones/"+url.PathEscape(stage)), nil, &resp)
	return resp, err
}

// Divert suspends a case and opens a mediation process. A zero deadlineHint
// lets the server compute the deadline.
func (c *Client) Divert(ctx context.Context, id, mechanism string, deadlineHint time.Time) (MediationResult, error) {
	body := map[string]any{"mechanism": mechanism}
	if !deadlineHint.IsZero() {
		body["deadline_hint"] = deadlineHint
	}
	var resp MediationResult
	err := c.do(ctx, http.MethodPost, casePath(id, "mediations"), body, &resp)
	return resp, err
}

// ListMediations returns the mediation processes of a case.
func (c *Client) ListMediations(ctx context.Context, id string) ([]Mediation, error) {
	var resp []Mediation
	err := c.do(ctx, http.MethodGet, casePath(id, "mediations"), nil, &resp)
	return resp, err
}

// GetMediation fetches a mediation process by id.
func (c *Client) GetMediation(ctx context.Context, id string) (Mediation, error) {
	var resp Mediation
	err := c.do(ctx, http.MethodGet, mediationPath(id, ""), nil, &resp)
	return resp, err
}

// StartSession marks a mediation as in progress.
func (c *Client) StartSession(ctx context.Context, id string) (Mediation, error) {
	var resp Mediation
	err := c.do(ctx, http.MethodPost, mediationPath(id, "session"), nil, &resp)
	return resp, err
}

// RecordOutcome stores the result of a mediation.
func (c *Client) RecordOutcome(ctx context.Context, id, result string, agreements []string, commitments []Commitment) (Mediation, error) {
	body := map[string]any{"result": result}
	if len(agreements) > 0 {
		body["agreements"] = agreements
	}
	if len(commitments) > 0 {
		body["commitments"] = commitments
	}
	var resp Mediation
	err := c.do(ctx, http.MethodPost, mediationPath(id, "outcome"), body, &resp)
	return resp, err
}

// CloseMediation closes a mediation that reached an agreement.
func (c *Client) CloseMediation(ctx context.Context, id string) (MediationResult, error) {
	var resp MediationResult
	err := c.do(ctx, http.MethodPost, mediationPath(id, "close"), nil, &resp)
	return resp, err
}

// VerifyCommitment sets the verification flag of one commitment.
func (c *Client) VerifyCommitment(ctx context.Context, id string, index int, verified bool) (Mediation, error) {
	var resp Mediation
	endpoint := mediationPath(id, fmt.Sprintf("commitments/%d/verify", index))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"verified": verified}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil {
		return apiErr
	}
	apiErr.Code = env.Error.Code
	apiErr.Message = env.Error.Message
	if kind, ok := env.Error.Details["kind"].(string); ok {
		apiErr.Kind = kind
	}
	if retry, ok := env.Error.Details["retryable"].(bool); ok {
		apiErr.Retryable = retry
	}
	return apiErr
}

func casePath(id, sub string) string {
	p := "cases/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func mediationPath(id, sub string) string {
	p := "mediations/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
