package expedientessdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedientes/internal/app"
	"expedientes/internal/server"
)

const secret = "sdk-secret"

func newClient(t *testing.T) *Client {
	t.Helper()
	a, err := app.Open(app.Options{Workspace: t.TempDir(), SchoolID: "sdk-school"})
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine:   a.Engine,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: secret},
		Gatherer: a.Registry,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	token, err := server.SignToken(secret, "inspector", []string{"inspector"}, time.Hour)
	require.NoError(t, err)
	c := New(srv.URL)
	c.BearerToken = token
	return c
}

func asAPIError(t *testing.T, err error) *APIError {
	t.Helper()
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "want *APIError, got %v", err)
	return apiErr
}

func TestMediationRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	created, err := c.CreateCase(ctx, CreateCaseInput{
		Severity:     "RELEVANTE",
		PrimaryActor: Student{StudentID: "stu-1", DisplayName: "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, "INICIO", created.Stage)
	assert.False(t, created.Locked)

	_, err = c.AdvanceStage(ctx, created.ID, "NOTIFICADO")
	require.NoError(t, err)

	diverted, err := c.Divert(ctx, created.ID, "MEDIACION", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "CERRADO_GCC", diverted.Case.Stage)
	assert.True(t, diverted.Mediation.SuspensionActive)

	dl, err := c.Deadline(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, dl.Paused)

	_, err = c.StartSession(ctx, diverted.Mediation.ID)
	require.NoError(t, err)
	resolved, err := c.RecordOutcome(ctx, diverted.Mediation.ID, "NO_AGREEMENT", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "NO_AGREEMENT", resolved.State)

	_, err = c.CloseMediation(ctx, diverted.Mediation.ID)
	apiErr := asAPIError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "outcome_not_favorable", apiErr.Code)
	assert.Equal(t, "OutcomeNotFavorable", apiErr.Kind)

	unblocked, err := c.Unblock(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "INVESTIGACION", unblocked.Case.Stage)
	assert.True(t, unblocked.Mediation.Closed)

	ms, err := c.ListMediations(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, ms, 1)

	tl, err := c.Timeline(ctx, created.ID, 0, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, tl.Entries)
	assert.Empty(t, tl.Degraded)
}

func TestAgreementAndCommitments(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	created, err := c.CreateCase(ctx, CreateCaseInput{Severity: "LEVE", PrimaryActor: Student{StudentID: "stu-2"}})
	require.NoError(t, err)
	_, err = c.AdvanceStage(ctx, created.ID, "DESCARGOS")
	require.NoError(t, err)
	res, err := c.Divert(ctx, created.ID, "CONCILIACION", time.Time{})
	require.NoError(t, err)

	_, err = c.RecordOutcome(ctx, res.Mediation.ID, "AGREEMENT_TOTAL", []string{"apology"}, []Commitment{
		{Description: "repair the mural", ResponsibleParty: "student"},
	})
	require.NoError(t, err)
	closed, err := c.CloseMediation(ctx, res.Mediation.ID)
	require.NoError(t, err)
	assert.Equal(t, "CERRADO_GCC", closed.Case.Stage)
	assert.False(t, closed.Mediation.SuspensionActive)

	m, err := c.VerifyCommitment(ctx, res.Mediation.ID, 0, true)
	require.NoError(t, err)
	assert.True(t, m.Commitments[0].Verified)

	got, err := c.GetMediation(ctx, res.Mediation.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed)

	_, err = c.AdvanceStage(ctx, created.ID, "INVESTIGACION")
	assert.Equal(t, "case_locked", asAPIError(t, err).Code)
}

func TestSanctionGate(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	created, err := c.CreateCase(ctx, CreateCaseInput{Severity: "GRAVISIMA_EXPULSION", PrimaryActor: Student{StudentID: "stu-3"}})
	require.NoError(t, err)

	gate, err := c.SanctionGate(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, gate.Allowed)
	assert.ElementsMatch(t, []string{"written_warning", "support_plan_applied"}, gate.Missing)

	_, err = c.FinalizeSanction(ctx, created.ID)
	assert.Equal(t, "graduality_not_satisfied", asAPIError(t, err).Code)

	_, err = c.SetPriorMeasures(ctx, created.ID, PriorMeasures{WrittenWarning: true, SupportPlanApplied: true})
	require.NoError(t, err)
	closed, err := c.FinalizeSanction(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "CERRADO_SANCION", closed.Stage)
}

func TestListCasesAndMilestones(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	for _, id := range []string{"stu-a", "stu-b", "stu-c"} {
		_, err := c.CreateCase(ctx, CreateCaseInput{Severity: "GRAVE", PrimaryActor: Student{StudentID: id}})
		require.NoError(t, err)
	}
	first, err := c.ListCases(ctx, ListCasesOptions{Severity: "GRAVE", Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	second, err := c.ListCases(ctx, ListCasesOptions{Severity: "GRAVE", Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.NextCursor)

	caseID := first.Items[0].ID
	_, err = c.AddMilestone(ctx, caseID, "INICIO", "report received", false)
	require.NoError(t, err)
	_, err = c.AddMilestone(ctx, caseID, "INICIO", "report filed", true)
	require.NoError(t, err)
	cur, err := c.CurrentMilestone(ctx, caseID, "INICIO")
	require.NoError(t, err)
	assert.Equal(t, "report filed", cur.Summary)
	assert.True(t, cur.Completed)
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	_, err := c.GetCase(ctx, "missing")
	apiErr := asAPIError(t, err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	c.BearerToken = ""
	_, err = c.ListCases(ctx, ListCasesOptions{})
	assert.Equal(t, http.StatusUnauthorized, asAPIError(t, err).StatusCode)
}
