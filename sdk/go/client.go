package gigchainsdk

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

// Client is a minimal Gigchain HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Party is a keypair-backed participant.
type Party struct {
	Name    string `json:"name"`
	KeyHash string `json:"key_hash"`
	DID     string `json:"did"`
	Arbiter bool   `json:"arbiter,omitempty"`
}

// Job represents a live job posting (partial).
type Job struct {
	PositionID   string `json:"position_id"`
	JobID        string `json:"job_id"`
	EmployerHash string `json:"employer_hash"`
	Title        string `json:"title"`
	BudgetMin    int64  `json:"budget_min"`
	BudgetMax    int64  `json:"budget_max"`
	IsActive     bool   `json:"is_active"`
}

// Bid represents a live bid (partial).
type Bid struct {
	PositionID string `json:"position_id"`
	JobID      string `json:"job_id"`
	BidderHash string `json:"bidder_hash"`
	BidAmount  int64  `json:"bid_amount"`
	IsActive   bool   `json:"is_active"`
}

// Escrow represents a funded escrow (partial).
type Escrow struct {
	PositionID     string `json:"position_id"`
	JobID          string `json:"job_id"`
	EmployerHash   string `json:"employer_hash"`
	FreelancerHash string `json:"freelancer_hash"`
	ArbiterHash    string `json:"arbiter_hash"`
	Amount         int64  `json:"amount"`
}

// Reputation is a party's live reputation record (partial).
type Reputation struct {
	PositionID    string `json:"position_id"`
	OwnerHash     string `json:"owner_hash"`
	TotalJobs     int64  `json:"total_jobs"`
	CompletedJobs int64  `json:"completed_jobs"`
	TotalEarned   int64  `json:"total_earned"`
	TotalPaid     int64  `json:"total_paid"`
	AverageRating int64  `json:"average_rating"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// TxResult carries the id of an accepted transaction.
type TxResult struct {
	TxID string `json:"tx_id"`
}

// APIError wraps non-2xx responses, exposing the error envelope code when
// the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateParty registers a party and generates its keypair server-side.
func (c *Client) CreateParty(ctx context.Context, name string, arbiter bool) (Party, error) {
	var resp Party
	err := c.do(ctx, http.MethodPost, "v0/parties", map[string]any{"name": name, "arbiter": arbiter}, &resp)
	return resp, err
}

// PostJob posts a job on behalf of a server-side signer.
func (c *Client) PostJob(ctx context.Context, signer, title string, budgetMin, budgetMax int64) (Job, error) {
	body := map[string]any{
		"signer":     signer,
		"title":      title,
		"budget_min": budgetMin,
		"budget_max": budgetMax,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

// GetJob fetches a live job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// CloseJob closes a fulfilled job.
func (c *Client) CloseJob(ctx context.Context, signer, jobID string) (TxResult, error) {
	var resp TxResult
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/close", map[string]any{"signer": signer}, &resp)
	return resp, err
}

// SubmitBid bids on a job.
func (c *Client) SubmitBid(ctx context.Context, signer, jobID string, amount int64) (Bid, error) {
	body := map[string]any{"signer": signer, "bid_amount": amount}
	var resp Bid
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/bids", body, &resp)
	return resp, err
}

// AcceptBid accepts a bid, consuming it and returning the deposit to the
// bidder.
func (c *Client) AcceptBid(ctx context.Context, signer, jobID, bidderHash string) (TxResult, error) {
	body := map[string]any{"signer": signer, "bidder_hash": bidderHash}
	var resp TxResult
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/bids/accept", body, &resp)
	return resp, err
}

// CreateEscrow funds an escrow for an accepted bid.
func (c *Client) CreateEscrow(ctx context.Context, signer, jobID, freelancerHash, arbiterHash string, amount int64) (Escrow, error) {
	body := map[string]any{
		"signer":          signer,
		"freelancer_hash": freelancerHash,
		"arbiter_hash":    arbiterHash,
		"amount":          amount,
	}
	var resp Escrow
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/escrow", body, &resp)
	return resp, err
}

// ReleaseEscrow releases an escrow with both signers held server-side.
func (c *Client) ReleaseEscrow(ctx context.Context, employerSigner, freelancerSigner, jobID string) (TxResult, error) {
	body := map[string]any{"employer_signer": employerSigner, "freelancer_signer": freelancerSigner}
	var resp TxResult
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/escrow/release", body, &resp)
	return resp, err
}

// RefundEscrow refunds an escrow with the employer and an arbiter signing.
func (c *Client) RefundEscrow(ctx context.Context, employerSigner, arbiterSigner, jobID, reason string) (TxResult, error) {
	body := map[string]any{"employer_signer": employerSigner, "arbiter_signer": arbiterSigner, "reason": reason}
	var resp TxResult
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(jobID)+"/escrow/refund", body, &resp)
	return resp, err
}

// Reputation fetches a party's live reputation record.
func (c *Client) GetReputation(ctx context.Context, ownerHash string) (Reputation, error) {
	var resp Reputation
	err := c.do(ctx, http.MethodGet, "v0/reputation/"+url.PathEscape(ownerHash), nil, &resp)
	return resp, err
}

// UpdateReputation applies a proof-gated reputation update.
func (c *Client) UpdateReputation(ctx context.Context, signer, jobID string, rating int64, completed, freelancerSide bool) (Reputation, error) {
	body := map[string]any{
		"signer":          signer,
		"job_id":          jobID,
		"rating":          rating,
		"completed":       completed,
		"freelancer_side": freelancerSide,
	}
	var resp Reputation
	err := c.do(ctx, http.MethodPost, "v0/reputation/update", body, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to a job.
func (c *Client) Events(ctx context.Context, limit int, jobID string) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if jobID != "" {
		params.Set("job", jobID)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
