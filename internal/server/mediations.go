package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"expedientes/internal/domain"
	"expedientes/internal/engine"
)

type mediationIDPath struct {
	ID string `path:"id"`
}

func registerMediations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "divert-to-mediation",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/mediations",
		Summary:       "Suspend a case and open a mediation process",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DivertRequest `json:"body"`
	}) (*struct {
		Body MediationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DivertToMediation(ctx, input.ID, engine.DivertOptions{
			Mechanism:    domain.Mechanism(input.Body.Mechanism),
			DeadlineHint: timeOrZero(input.Body.DeadlineHint),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MediationResponse `json:"body"`
		}{Body: mediationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-case-mediations",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/mediations",
		Summary:     "Mediation processes of a case, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*struct {
		Body []domain.MediationProcess `json:"body"`
	}, error) {
		items, err := e.ListMediations(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.MediationProcess{}
		}
		return &struct {
			Body []domain.MediationProcess `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mediation",
		Method:      http.MethodGet,
		Path:        "/mediations/{id}",
		Summary:     "Get mediation process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *mediationIDPath) (*struct {
		Body domain.MediationProcess `json:"body"`
	}, error) {
		p, err := e.GetMediation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MediationProcess `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-mediation-session",
		Method:      http.MethodPost,
		Path:        "/mediations/{id}/session",
		Summary:     "Mark a mediation as in progress",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *mediationIDPath) (*struct {
		Body domain.MediationProcess `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.StartMediationSession(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MediationProcess `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-mediation-outcome",
		Method:      http.MethodPost,
		Path:        "/mediations/{id}/outcome",
		Summary:     "Record the result of a mediation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body OutcomeRequest `json:"body"`
	}) (*struct {
		Body domain.MediationProcess `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RecordMediationOutcome(ctx, input.ID, engine.OutcomeInput{
			Result:      input.Body.Result,
			Agreements:  input.Body.Agreements,
			Commitments: commitments(input.Body.Commitments),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MediationProcess `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-mediation",
		Method:      http.MethodPost,
		Path:        "/mediations/{id}/close",
		Summary:     "Close a mediation that reached an agreement",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *mediationIDPath) (*struct {
		Body MediationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CloseMediationSuccessfully(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MediationResponse `json:"body"`
		}{Body: mediationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-commitment",
		Method:      http.MethodPost,
		Path:        "/mediations/{id}/commitments/{index}/verify",
		Summary:     "Set the verification flag of a commitment",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string                  `path:"id"`
		Index int                     `path:"index" minimum:"0"`
		Body  VerifyCommitmentRequest `json:"body"`
	}) (*struct {
		Body domain.MediationProcess `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.VerifyCommitment(ctx, input.ID, input.Index, input.Body.Verified, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MediationProcess `json:"body"`
		}{Body: p}, nil
	})
}
