package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gigchain/internal/chain"
	"gigchain/internal/engine"
	"gigchain/internal/keys"
	"gigchain/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Faucet credits unlocked funds when set; local networks only.
	Faucet func(ctx context.Context, ownerHash string, amount int64) error
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unauthorized_transition"`
	Message string         `json:"message" example:"unauthorized: missing signatures"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gigchain node API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gigchain API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWhoami(group)
	registerParties(group, cfg.Engine, cfg.Faucet)
	registerJobs(group, cfg.Engine)
	registerBids(group, cfg.Engine)
	registerEscrow(group, cfg.Engine)
	registerReputation(group, cfg.Engine)
	registerPositions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerEventStream(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue *chain.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "unauthorized_transition", err.Error(), map[string]any{"missing_signers": ue.Missing})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, chain.ErrNotFound), errors.Is(err, keys.ErrKeyNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, chain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, chain.ErrBadEvidence):
		return newAPIError(http.StatusUnprocessableEntity, "bad_evidence", err.Error(), nil)
	case errors.Is(err, chain.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "must") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "bad_evidence"
	case http.StatusForbidden:
		return "unauthorized_transition"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gigchain API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerParties(api huma.API, e engine.Engine, faucet func(context.Context, string, int64) error) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-party",
		Method:        http.MethodPost,
		Path:          "/parties",
		Summary:       "Register a party",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body partyCreateBody
	}) (*partyResponse, error) {
		p, err := e.RegisterParty(ctx, input.Body.Name, input.Body.Arbiter)
		if err != nil {
			return nil, handleError(err)
		}
		return &partyResponse{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-parties",
		Method:      http.MethodGet,
		Path:        "/parties",
		Summary:     "List registered parties",
	}, func(ctx context.Context, _ *struct{}) (*partyListResponse, error) {
		parties, err := e.Parties(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := &partyListResponse{}
		res.Body.Parties = parties
		return res, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-party",
		Method:      http.MethodGet,
		Path:        "/parties/{key_hash}",
		Summary:     "Get a party",
	}, func(ctx context.Context, input *struct {
		KeyHash string `path:"key_hash"`
	}) (*partyResponse, error) {
		p, err := e.Party(ctx, input.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &partyResponse{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/parties/{key_hash}/balance",
		Summary:     "Get a party's unlocked balance",
	}, func(ctx context.Context, input *struct {
		KeyHash string `path:"key_hash"`
	}) (*balanceResponse, error) {
		amount, err := e.Client.Balance(ctx, input.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		res := &balanceResponse{}
		res.Body.OwnerHash = input.KeyHash
		res.Body.Amount = amount
		return res, nil
	})

	if faucet != nil {
		huma.Register(api, huma.Operation{
			OperationID: "faucet",
			Method:      http.MethodPost,
			Path:        "/parties/{key_hash}/faucet",
			Summary:     "Credit funds (local network only)",
		}, func(ctx context.Context, input *struct {
			KeyHash string `path:"key_hash"`
			Body    faucetBody
		}) (*balanceResponse, error) {
			if err := faucet(ctx, input.KeyHash, input.Body.Amount); err != nil {
				return nil, handleError(err)
			}
			amount, err := e.Client.Balance(ctx, input.KeyHash)
			if err != nil {
				return nil, handleError(err)
			}
			res := &balanceResponse{}
			res.Body.OwnerHash = input.KeyHash
			res.Body.Amount = amount
			return res, nil
		})
	}
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body jobCreateBody
	}) (*jobResponse, error) {
		job, err := e.PostJob(ctx, engine.JobCreateOptions{
			SignerName:      input.Body.Signer,
			Title:           input.Body.Title,
			DescriptionHash: input.Body.DescriptionHash,
			BudgetMin:       input.Body.BudgetMin,
			BudgetMax:       input.Body.BudgetMax,
			Deadline:        input.Body.Deadline,
			KYCRequired:     input.Body.KYCRequired,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &jobResponse{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List live jobs",
	}, func(ctx context.Context, input *struct {
		Employer string `query:"employer"`
		Limit    int    `query:"limit"`
	}) (*jobListResponse, error) {
		jobs, err := e.ListJobs(ctx, input.Employer, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := &jobListResponse{}
		res.Body.Jobs = jobs
		return res, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a live job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*jobResponse, error) {
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobResponse{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/close",
		Summary:     "Close a fulfilled job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  signerBody
	}) (*txResponse, error) {
		txID, err := e.CloseJob(ctx, input.Body.Signer, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		res := &txResponse{}
		res.Body.TxID = txID
		return res, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel an unfilled job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  signerBody
	}) (*txResponse, error) {
		txID, err := e.CancelJob(ctx, input.Body.Signer, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		res := &txResponse{}
		res.Body.TxID = txID
		return res, nil
	})
}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/bids",
		Summary:       "Submit a bid",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  bidCreateBody
	}) (*bidResponse, error) {
		bid, err := e.SubmitBid(ctx, engine.BidCreateOptions{
			SignerName:   input.Body.Signer,
			JobID:        input.JobID,
			BidAmount:    input.Body.BidAmount,
			ProposalHash: input.Body.ProposalHash,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &bidResponse{Body: bid}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/bids",
		Summary:     "List live bids for a job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Limit int    `query:"limit"`
	}) (*bidListResponse, error) {
		bids, err := e.ListBids(ctx, input.JobID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := &bidListResponse{}
		res.Body.Bids = bids
		return res, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-bid",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/bids/cancel",
		Summary:     "Cancel the signer's own bid",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  signerBody
	}) (*txResponse, error) {
		txID, err := e.CancelBid(ctx, input.Body.Signer, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		res := &txResponse{}
		res.Body.TxID = txID
		return res, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-bid",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/bids/accept",
		Summary:     "Accept a bid",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  bidAcceptBody
	}) (*txResponse, error) {
		txID, err := e.AcceptBid(ctx, input.Body.Signer, input.JobID, input.Body.BidderHash)
		if err != nil {
			return nil, handleError(err)
		}
		res := &txResponse{}
		res.Body.TxID = txID
		return res, nil
	})
}

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-escrow",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/escrow",
		Summary:       "Fund an escrow",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  escrowCreateBody
	}) (*escrowResponse, error) {
		esc, err := e.CreateEscrow(ctx, engine.EscrowCreateOptions{
			SignerName:     input.Body.Signer,
			JobID:          input.JobID,
			FreelancerHash: input.Body.FreelancerHash,
			ArbiterHash:    input.Body.ArbiterHash,
			Amount:         input.Body.Amount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &escrowResponse{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/escrow",
		Summary:     "Get the live escrow for a job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*escrowResponse, error) {
		esc, err := e.GetEscrow(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &escrowResponse{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-escrow",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/escrow/release",
		Summary:     "Release an escrow (employer + freelancer)",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  releaseBody
	}) (*txResponse, error) {
		txID, err := e.ReleaseEscrow(ctx, input.Body.EmployerSigner, input.Body.FreelancerSigner, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		res := &txResponse{}
		res.Body.TxID = txID
		return res, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refund-escrow",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/escrow/refund",
		Summary:     "Refund an escrow (employer + arbiter)",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  refundBody
	}) (*txResponse, error) {
		txID, err := e.RefundEscrow(ctx, input.Body.EmployerSigner, input.Body.ArbiterSigner, input.JobID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		res := &txResponse{}
		res.Body.TxID = txID
		return res, nil
	})
}

func registerReputation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "mint-record",
		Method:        http.MethodPost,
		Path:          "/reputation",
		Summary:       "Mint the signer's initial reputation record",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body signerBody
	}) (*recordResponse, error) {
		rec, err := e.MintReputationRecord(ctx, input.Body.Signer)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordResponse{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/reputation/{owner_hash}",
		Summary:     "Get a party's live reputation record",
	}, func(ctx context.Context, input *struct {
		OwnerHash string `path:"owner_hash"`
	}) (*recordResponse, error) {
		rec, err := e.QueryReputation(ctx, input.OwnerHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordResponse{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-reputation",
		Method:      http.MethodPost,
		Path:        "/reputation/update",
		Summary:     "Apply a proof-gated reputation update",
	}, func(ctx context.Context, input *struct {
		Body reputationUpdateBody
	}) (*recordResponse, error) {
		rec, err := e.UpdateReputation(ctx, engine.UpdateOptions{
			SignerName:     input.Body.Signer,
			JobID:          input.Body.JobID,
			Rating:         input.Body.Rating,
			Completed:      input.Body.Completed,
			FreelancerSide: input.Body.FreelancerSide,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &recordResponse{Body: rec}, nil
	})
}

func registerPositions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-position",
		Method:      http.MethodGet,
		Path:        "/positions/{position_id}",
		Summary:     "Get a position, spent or not",
	}, func(ctx context.Context, input *struct {
		PositionID string `path:"position_id"`
	}) (*positionResponse, error) {
		pos, err := e.Repo.GetPosition(ctx, input.PositionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &positionResponse{Body: pos}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events, newest first",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
		JobID      string `query:"job"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*eventListResponse, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		events, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.JobID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := &eventListResponse{}
		res.Body.Events = events
		if len(events) == limit {
			res.Body.NextCursor = events[len(events)-1].ID
		}
		return res, nil
	})
}
