package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"expedientes/internal/domain"
	"expedientes/internal/engine"
	"expedientes/internal/timeline"
)

type caseIDPath struct {
	ID string `path:"id"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a disciplinary case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CaseCreateOptions{
			ID:           input.Body.ID,
			Severity:     domain.Severity(input.Body.Severity),
			StartedAt:    timeOrZero(input.Body.StartedAt),
			PrimaryActor: studentRef(input.Body.PrimaryActor),
			Description:  input.Body.Description,
			ActorID:      actorID,
		}
		if input.Body.SecondaryActor != nil {
			ref := studentRef(*input.Body.SecondaryActor)
			opts.SecondaryActor = &ref
		}
		if pm := input.Body.PriorMeasures; pm != nil {
			opts.PriorMeasures = domain.PriorMeasures{WrittenWarning: pm.WrittenWarning, SupportPlanApplied: pm.SupportPlanApplied}
		}
		c, err := e.CreateCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage    string `query:"stage"`
		Severity string `query:"severity"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListCases(ctx, engine.CaseListOptions{
			Stage:           domain.Stage(input.Stage),
			Severity:        domain.Severity(input.Severity),
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapCases(items)
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.GetCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/stage",
		Summary:     "Move a case to another procedural stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AdvanceStageRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Target == "" {
			return nil, badRequest("target is required")
		}
		c, err := e.AdvanceStage(ctx, input.ID, domain.Stage(input.Body.Target), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-prior-measures",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/prior-measures",
		Summary:     "Replace the prior measures recorded for a case",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body PriorMeasuresRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pm := domain.PriorMeasures{WrittenWarning: input.Body.WrittenWarning, SupportPlanApplied: input.Body.SupportPlanApplied}
		c, err := e.SetPriorMeasures(ctx, input.ID, pm, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sanction-gate",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/sanction-gate",
		Summary:     "Check whether a severe sanction may be finalized",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*struct {
		Body engine.GateResult `json:"body"`
	}, error) {
		res, err := e.CanFinalizeSanction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Missing == nil {
			res.Missing = []string{}
		}
		return &struct {
			Body engine.GateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-sanction",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/sanction",
		Summary:     "Close a case with a sanction",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *caseIDPath) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.FinalizeSanction(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/unblock",
		Summary:     "Return a suspended case to the disciplinary track",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *caseIDPath) (*struct {
		Body MediationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UnblockCase(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MediationResponse `json:"body"`
		}{Body: mediationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-deadline",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/deadline",
		Summary:     "Effective deadline of a case",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *caseIDPath) (*struct {
		Body engine.DeadlineReport `json:"body"`
	}, error) {
		r, err := e.DeadlineStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DeadlineReport `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-timeline",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/timeline",
		Summary:     "Chronological history of a case, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit"`
		Offset int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body timeline.Timeline `json:"body"`
	}, error) {
		tl, err := e.GetTimeline(ctx, input.ID, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body timeline.Timeline `json:"body"`
		}{Body: tl}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "save-milestone",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/milestones",
		Summary:       "Append a procedural milestone",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body MilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SaveMilestone(ctx, input.ID, engine.MilestoneInput{
			Title:     domain.Stage(input.Body.Title),
			Summary:   input.Body.Summary,
			DueDate:   input.Body.DueDate,
			Completed: input.Body.Completed,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-milestone",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/milestones/{stage}",
		Summary:     "Latest milestone recorded for a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Stage string `path:"stage"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		m, err := e.CurrentMilestone(ctx, input.ID, domain.Stage(input.Stage))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})
}
