// Package escrow is a Go client for the escrowd HTTP API. Keys never leave
// the caller: the server returns unsigned transactions, the client signs them
// locally with an orchestrator.Signer and submits the signed bytes.
package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	core "Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/orchestrator"
)

// DefaultHTTPTimeout is used when NewClient receives no http.Client. It sits
// above the server's default confirmation timeout.
const DefaultHTTPTimeout = 45 * time.Second

// Client wraps the escrowd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Cause      string            `json:"cause,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	// RetryAfter is parsed from the Retry-After header of 429 responses.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("escrow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("escrow api error (%d): %s", e.StatusCode, e.Message)
}

// CreateTransferRequest asks for a new escrow transfer. Amount is a decimal
// string in whole asset units.
type CreateTransferRequest struct {
	Sender         common.Address `json:"sender"`
	Recipient      common.Address `json:"recipient"`
	Asset          string         `json:"asset"`
	Pool           string         `json:"pool,omitempty"`
	Amount         string         `json:"amount"`
	Memo           string         `json:"memo,omitempty"`
	ClaimableAfter int64          `json:"claimable_after,omitempty"`
	ClaimableUntil int64          `json:"claimable_until,omitempty"`
}

// ResolveRequest carries the signer of a claim, cancel, reject or decline.
type ResolveRequest struct {
	Signer     common.Address `json:"signer"`
	ReasonCode uint8          `json:"reason_code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// PoolFundsRequest deposits into or withdraws from a pool reserve.
type PoolFundsRequest struct {
	Signer      common.Address `json:"signer"`
	Destination common.Address `json:"destination,omitempty"`
	Amount      string         `json:"amount"`
}

// TransferQuery filters ListTransfers. Zero fields are ignored.
type TransferQuery struct {
	Pool      common.Address
	Sender    common.Address
	Recipient common.Address
	Status    string
	Limit     int
}

// Outcome is the result of a submission or a status query. Error is set for
// rejected and timed out transactions.
type Outcome struct {
	Op      string              `json:"op"`
	Status  orchestrator.Status `json:"status"`
	TxHash  common.Hash         `json:"tx_hash"`
	Slot    uint64              `json:"slot,omitempty"`
	Receipt *ledger.Receipt     `json:"receipt,omitempty"`
	Error   *APIError           `json:"error,omitempty"`
}

// Confirmed reports whether the ledger applied the transaction.
func (o Outcome) Confirmed() bool {
	return o.Status == orchestrator.StatusConfirmed
}

// FaucetAsset is the asset descriptor returned with a grant.
type FaucetAsset struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// FaucetGrant is the result of a faucet request.
type FaucetGrant struct {
	Asset   FaucetAsset    `json:"asset"`
	Wallet  common.Address `json:"wallet"`
	Amount  uint64         `json:"amount"`
	Outcome Outcome        `json:"outcome"`
}

// SyncReport summarises an admin sync.
type SyncReport struct {
	Assets    int              `json:"assets"`
	Pools     int              `json:"pools"`
	Skipped   []common.Address `json:"skipped,omitempty"`
	Conflicts []struct {
		Pool   common.Address `json:"pool"`
		Fields []string       `json:"fields"`
	} `json:"conflicts,omitempty"`
}

// SweepReport summarises an admin expiry sweep.
type SweepReport struct {
	Scanned int           `json:"scanned"`
	Expired []common.Hash `json:"expired,omitempty"`
	Failed  int           `json:"failed"`
}

// NewClient creates a client for the API at rawURL. A nil httpClient uses
// DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Health checks the server liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

// ListPools returns the mirrored pools.
func (c *Client) ListPools(ctx context.Context) ([]core.Pool, error) {
	var pools []core.Pool
	if err := c.get(ctx, "/api/v1/pools", nil, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// ResolvePool picks the pool for an asset symbol, asset address or pool
// address. An empty ref returns the first unpaused pool.
func (c *Client) ResolvePool(ctx context.Context, ref string) (*core.Pool, error) {
	var pool core.Pool
	if err := c.get(ctx, "/api/v1/pools/resolve", url.Values{"asset": {ref}}, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// Deposit builds an unsigned deposit into pool.
func (c *Client) Deposit(ctx context.Context, pool common.Address, req PoolFundsRequest) (*orchestrator.UnsignedTx, error) {
	return c.unsigned(ctx, "/api/v1/pools/"+pool.Hex()+"/deposit", req)
}

// Withdraw builds an unsigned operator withdrawal from pool.
func (c *Client) Withdraw(ctx context.Context, pool common.Address, req PoolFundsRequest) (*orchestrator.UnsignedTx, error) {
	return c.unsigned(ctx, "/api/v1/pools/"+pool.Hex()+"/withdraw", req)
}

// TogglePause builds an unsigned pause toggle signed by the operator.
func (c *Client) TogglePause(ctx context.Context, pool, operator common.Address) (*orchestrator.UnsignedTx, error) {
	body := struct {
		Signer common.Address `json:"signer"`
	}{Signer: operator}
	return c.unsigned(ctx, "/api/v1/pools/"+pool.Hex()+"/pause", body)
}

// CreateTransfer builds an unsigned create transaction for the sender.
func (c *Client) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*orchestrator.UnsignedTx, error) {
	return c.unsigned(ctx, "/api/v1/transfers", req)
}

// Claim builds an unsigned claim for the recipient.
func (c *Client) Claim(ctx context.Context, transfer common.Address, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return c.resolve(ctx, transfer, "claim", req)
}

// Cancel builds an unsigned cancel for the sender.
func (c *Client) Cancel(ctx context.Context, transfer common.Address, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return c.resolve(ctx, transfer, "cancel", req)
}

// Reject builds an unsigned reject for the pool operator.
func (c *Client) Reject(ctx context.Context, transfer common.Address, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return c.resolve(ctx, transfer, "reject", req)
}

// Decline builds an unsigned decline for the recipient.
func (c *Client) Decline(ctx context.Context, transfer common.Address, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return c.resolve(ctx, transfer, "decline", req)
}

// Expire asks the server to expire a transfer past its claim window. The
// server signs expiries itself.
func (c *Client) Expire(ctx context.Context, transfer common.Address) (Outcome, error) {
	return c.outcome(ctx, http.MethodPost, "/api/v1/transfers/"+transfer.Hex()+"/expire", struct{}{})
}

// GetTransfer returns one transfer.
func (c *Client) GetTransfer(ctx context.Context, transfer common.Address) (*core.Transfer, error) {
	var t core.Transfer
	if err := c.get(ctx, "/api/v1/transfers/"+transfer.Hex(), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransfers returns mirrored transfers matching q.
func (c *Client) ListTransfers(ctx context.Context, q TransferQuery) ([]core.Transfer, error) {
	values := url.Values{}
	zero := common.Address{}
	if q.Pool != zero {
		values.Set("pool", q.Pool.Hex())
	}
	if q.Sender != zero {
		values.Set("sender", q.Sender.Hex())
	}
	if q.Recipient != zero {
		values.Set("recipient", q.Recipient.Hex())
	}
	if q.Status != "" {
		values.Set("status", q.Status)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var transfers []core.Transfer
	if err := c.get(ctx, "/api/v1/transfers", values, &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

// Submit sends signed transaction bytes and waits for the server's
// confirmation verdict. A rejected or timed out outcome is returned together
// with its APIError.
func (c *Client) Submit(ctx context.Context, raw []byte) (Outcome, error) {
	body := struct {
		Raw hexutil.Bytes `json:"raw"`
	}{Raw: raw}
	return c.outcome(ctx, http.MethodPost, "/api/v1/transactions", body)
}

// SignAndSubmit signs utx locally and submits it.
func (c *Client) SignAndSubmit(ctx context.Context, signer orchestrator.Signer, utx *orchestrator.UnsignedTx) (Outcome, error) {
	stx, err := signer.Sign(ctx, utx)
	if err != nil {
		return Outcome{Op: utx.Op, Status: orchestrator.StatusNotSubmitted, TxHash: utx.Digest}, err
	}
	return c.Submit(ctx, stx.Raw)
}

// TransactionStatus reports the current outcome of hash.
func (c *Client) TransactionStatus(ctx context.Context, hash common.Hash) (Outcome, error) {
	return c.outcome(ctx, http.MethodGet, "/api/v1/transactions/"+hash.Hex(), nil)
}

// RequestFaucet asks for a test-token grant.
func (c *Client) RequestFaucet(ctx context.Context, asset string, wallet common.Address) (FaucetGrant, error) {
	body := struct {
		Asset  string         `json:"asset"`
		Wallet common.Address `json:"wallet"`
	}{Asset: asset, Wallet: wallet}
	var grant FaucetGrant
	if err := c.post(ctx, "/api/v1/faucet", body, &grant); err != nil {
		return FaucetGrant{}, err
	}
	return grant, nil
}

// Sync triggers a registry and pool reconciliation. Requires an admin token.
func (c *Client) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if err := c.post(ctx, "/api/v1/admin/sync", struct{}{}, &report); err != nil {
		return SyncReport{}, err
	}
	return report, nil
}

// Sweep triggers an expiry sweep. Requires an admin token.
func (c *Client) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if err := c.post(ctx, "/api/v1/admin/sweep", struct{}{}, &report); err != nil {
		return SweepReport{}, err
	}
	return report, nil
}

func (c *Client) resolve(ctx context.Context, transfer common.Address, action string, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return c.unsigned(ctx, "/api/v1/transfers/"+transfer.Hex()+"/"+action, req)
}

func (c *Client) unsigned(ctx context.Context, endpoint string, payload any) (*orchestrator.UnsignedTx, error) {
	var utx orchestrator.UnsignedTx
	if err := c.post(ctx, endpoint, payload, &utx); err != nil {
		return nil, err
	}
	return &utx, nil
}

// outcome decodes an outcome body for every status, since rejections and
// timeouts carry one alongside the error.
func (c *Client) outcome(ctx context.Context, method, endpoint string, payload any) (Outcome, error) {
	req, err := c.newRequest(ctx, method, endpoint, nil, payload)
	if err != nil {
		return Outcome{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("read response: %w", err)
	}

	var out Outcome
	if jsonErr := json.Unmarshal(data, &out); jsonErr != nil || out.Status == "" {
		if resp.StatusCode >= 400 {
			return Outcome{}, apiError(resp, data)
		}
		return Outcome{}, fmt.Errorf("decode response: %v", jsonErr)
	}
	if out.Error != nil {
		out.Error.StatusCode = resp.StatusCode
		return out, out.Error
	}
	if resp.StatusCode >= 400 {
		return out, apiError(resp, data)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, payload)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, payload any) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return apiError(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}
