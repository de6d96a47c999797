package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/mirror"
	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/internal/service"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.svc.ListPools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pools == nil {
		pools = []escrow.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleResolvePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.svc.ResolvePool(r.Context(), r.URL.Query().Get("asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

type poolFundsBody struct {
	Signer      common.Address `json:"signer"`
	Destination common.Address `json:"destination,omitempty"`
	Amount      string         `json:"amount"`
}

func (s *Server) poolFunds(w http.ResponseWriter, r *http.Request) (service.PoolFundsRequest, bool) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeError(w, err)
		return service.PoolFundsRequest{}, false
	}
	var body poolFundsBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return service.PoolFundsRequest{}, false
	}
	return service.PoolFundsRequest{
		Pool:        pool,
		Signer:      body.Signer,
		Destination: body.Destination,
		Amount:      body.Amount,
	}, true
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.poolFunds(w, r)
	if !ok {
		return
	}
	utx, err := s.svc.DepositToPool(r.Context(), req)
	writeUnsigned(w, utx, err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := s.poolFunds(w, r)
	if !ok {
		return
	}
	utx, err := s.svc.WithdrawFromPool(r.Context(), req)
	writeUnsigned(w, utx, err)
}

func (s *Server) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Signer common.Address `json:"signer"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	utx, err := s.svc.TogglePause(r.Context(), pool, body.Signer)
	writeUnsigned(w, utx, err)
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	utx, err := s.svc.CreateTransfer(r.Context(), req)
	writeUnsigned(w, utx, err)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter mirror.TransferFilter
	var err error
	if filter.Pool, err = queryAddress(q.Get("pool"), "pool"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Sender, err = queryAddress(q.Get("sender"), "sender"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Recipient, err = queryAddress(q.Get("recipient"), "recipient"); err != nil {
		writeError(w, err)
		return
	}
	if raw := q.Get("status"); raw != "" {
		if filter.Status, err = escrow.ParseStatus(raw); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid status"))
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	transfers, err := s.svc.ListTransfers(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if transfers == nil {
		transfers = []escrow.Transfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	transfer, err := s.svc.GetTransfer(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

type resolveBody struct {
	Signer     common.Address `json:"signer"`
	ReasonCode uint8          `json:"reason_code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

func (s *Server) handleResolveTransfer(w http.ResponseWriter, r *http.Request) {
	address, err := pathAddress(r, "address")
	if err != nil {
		writeError(w, err)
		return
	}
	action := r.PathValue("action")
	if action == "expire" {
		outcome, err := s.svc.ExpireTransfer(r.Context(), address)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOutcome(w, outcome)
		return
	}

	var body resolveBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	req := service.ResolveRequest{
		Transfer:   address,
		Signer:     body.Signer,
		ReasonCode: body.ReasonCode,
		Reason:     body.Reason,
	}
	var utx *orchestrator.UnsignedTx
	switch action {
	case "claim":
		utx, err = s.svc.ClaimTransfer(r.Context(), req)
	case "cancel":
		utx, err = s.svc.CancelTransfer(r.Context(), req)
	case "reject":
		utx, err = s.svc.RejectTransfer(r.Context(), req)
	case "decline":
		utx, err = s.svc.DeclineTransfer(r.Context(), req)
	default:
		writeError(w, xerrors.New(xerrors.CodeNotFound, "unknown transfer action", xerrors.WithMetadata("action", action)))
		return
	}
	writeUnsigned(w, utx, err)
}

type submitBody struct {
	Raw hexutil.Bytes `json:"raw"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Raw) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "raw transaction is required"))
		return
	}
	outcome, err := s.svc.Submit(r.Context(), body.Raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, outcome)
}

func (s *Server) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("hash")
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "invalid transaction hash", xerrors.WithMetadata("hash", raw)))
		return
	}
	outcome, err := s.svc.TransactionStatus(r.Context(), common.BytesToHash(decoded))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOutcome(w, outcome)
}

type faucetBody struct {
	Asset  string         `json:"asset"`
	Wallet common.Address `json:"wallet"`
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var body faucetBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	grant, err := s.svc.RequestFaucetGrant(r.Context(), body.Asset, body.Wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.SyncRegistryAndPools(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.SweepExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeUnsigned(w http.ResponseWriter, utx *orchestrator.UnsignedTx, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utx)
}

type outcomeResponse struct {
	orchestrator.Outcome
	Error *errorBody `json:"error,omitempty"`
}

// writeOutcome reports a confirmed outcome as 200 and a timed out one as 202,
// since the transaction may still land. Rejections carry their error body.
func writeOutcome(w http.ResponseWriter, outcome orchestrator.Outcome) {
	resp := outcomeResponse{Outcome: outcome}
	status := http.StatusOK
	switch outcome.Status {
	case orchestrator.StatusConfirmed:
	case orchestrator.StatusTimedOut, orchestrator.StatusPending:
		status = http.StatusAccepted
	default:
		if outcome.Err != nil {
			status = statusFor(outcome.Err)
		} else {
			status = http.StatusBadGateway
		}
	}
	if outcome.Err != nil {
		resp.Error = &errorBody{Code: xerrors.CodeOf(outcome.Err), Message: outcome.Err.Error()}
		if root := xerrors.RootCode(outcome.Err); root != resp.Error.Code {
			resp.Error.Cause = root
		}
	}
	writeJSON(w, status, resp)
}

func pathAddress(r *http.Request, name string) (common.Address, error) {
	raw := strings.TrimSpace(r.PathValue(name))
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid address", xerrors.WithMetadata(name, raw))
	}
	return common.HexToAddress(raw), nil
}

func queryAddress(raw, name string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid address", xerrors.WithMetadata(name, raw))
	}
	return common.HexToAddress(raw), nil
}
