package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gigchain/internal/chain"
	"gigchain/internal/domain"
	"gigchain/internal/events"
	"gigchain/internal/repo"
)

// JobCreateOptions are parameters for posting a job.
type JobCreateOptions struct {
	SignerName      string
	Title           string
	DescriptionHash string
	BudgetMin       int64
	BudgetMax       int64
	Deadline        string
	KYCRequired     bool
}

// JobView pairs a job datum with the position currently holding it.
type JobView struct {
	PositionID string `json:"position_id"`
	domain.JobPosting
}

// PostJob locks the protocol deposit into a new job-posting position. The
// employer must hold a live reputation record; one is minted on first use.
func (e Engine) PostJob(ctx context.Context, opts JobCreateOptions) (JobView, error) {
	if opts.Title == "" {
		return JobView{}, errors.New("title is required")
	}
	if opts.BudgetMin <= 0 {
		return JobView{}, errors.New("budget_min must be positive")
	}
	if opts.BudgetMax < opts.BudgetMin {
		return JobView{}, fmt.Errorf("budget_max %d below budget_min %d", opts.BudgetMax, opts.BudgetMin)
	}
	signer, err := e.signer(opts.SignerName)
	if err != nil {
		return JobView{}, err
	}
	record, err := e.EnsureRecord(ctx, opts.SignerName)
	if err != nil {
		return JobView{}, err
	}

	job := domain.JobPosting{
		JobID:           uuid.NewString(),
		EmployerHash:    signer.KeyHash(),
		EmployerDID:     signer.DID(),
		Title:           opts.Title,
		DescriptionHash: opts.DescriptionHash,
		BudgetMin:       opts.BudgetMin,
		BudgetMax:       opts.BudgetMax,
		Deadline:        opts.Deadline,
		IsActive:        true,
		KYCRequired:     opts.KYCRequired,
		PostedAt:        e.timestamp(),
	}

	body := e.newBody()
	body.References = []string{record.PositionID}
	body.Outputs = []chain.Output{{
		Kind:      domain.KindJobPosting,
		OwnerHash: job.EmployerHash,
		JobID:     job.JobID,
		Amount:    e.Config.Protocol.Deposit,
		DatumJSON: mustJSON(job),
	}}
	body.FundedBy = job.EmployerHash
	body.RequiredSigners = []string{job.EmployerHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, job.EmployerHash)
	if err != nil {
		return JobView{}, err
	}
	view := JobView{PositionID: txID + "#0", JobPosting: job}
	if err := e.appendEvent(ctx, events.TypeJobPosted, job.JobID, domain.KindJobPosting, view.PositionID, job.EmployerHash, events.EventPayload{
		"title":      job.Title,
		"budget_min": job.BudgetMin,
		"budget_max": job.BudgetMax,
		"tx":         txID,
	}); err != nil {
		return view, err
	}
	return view, nil
}

// CloseJob consumes the job position marking the job fulfilled; the
// deposit returns to the employer.
func (e Engine) CloseJob(ctx context.Context, signerName, jobID string) (string, error) {
	return e.retireJob(ctx, signerName, jobID, domain.ActionCloseJob, events.TypeJobClosed)
}

// CancelJob withdraws an unfilled job.
func (e Engine) CancelJob(ctx context.Context, signerName, jobID string) (string, error) {
	return e.retireJob(ctx, signerName, jobID, domain.ActionCancelJob, events.TypeJobCancelled)
}

func (e Engine) retireJob(ctx context.Context, signerName, jobID, action, evtType string) (string, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return "", err
	}
	pos, err := e.Repo.LiveJobPosition(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("job %s: %w", jobID, err)
	}
	var job domain.JobPosting
	if err := repo.DecodeDatum(pos, &job); err != nil {
		return "", err
	}

	body := e.newBody()
	body.Inputs = []chain.Input{{PositionID: pos.ID, Action: action}}
	body.Payments = []chain.Payment{{ToHash: job.EmployerHash, Amount: pos.Amount}}
	body.RequiredSigners = []string{job.EmployerHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, signer.KeyHash())
	if err != nil {
		return "", err
	}
	if err := e.appendEvent(ctx, evtType, jobID, domain.KindJobPosting, pos.ID, signer.KeyHash(), events.EventPayload{"tx": txID}); err != nil {
		return txID, err
	}
	return txID, nil
}

// GetJob returns the live posting for a job.
func (e Engine) GetJob(ctx context.Context, jobID string) (JobView, error) {
	pos, err := e.Repo.LiveJobPosition(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	var job domain.JobPosting
	if err := repo.DecodeDatum(pos, &job); err != nil {
		return JobView{}, err
	}
	return JobView{PositionID: pos.ID, JobPosting: job}, nil
}

// ListJobs returns live postings, optionally scoped to an employer.
func (e Engine) ListJobs(ctx context.Context, employerHash string, limit int) ([]JobView, error) {
	positions, err := e.Repo.ListPositions(ctx, repo.PositionFilters{
		Kind:      domain.KindJobPosting,
		OwnerHash: employerHash,
		Live:      true,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(positions))
	for _, pos := range positions {
		var job domain.JobPosting
		if err := repo.DecodeDatum(pos, &job); err != nil {
			return nil, err
		}
		views = append(views, JobView{PositionID: pos.ID, JobPosting: job})
	}
	return views, nil
}
