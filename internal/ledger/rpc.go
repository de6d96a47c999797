package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
)

// RPCNamespace is the JSON-RPC namespace the ledger API is served under.
const RPCNamespace = "escrow"

// rpcErrorCode is the JSON-RPC code of every coded ledger error. The ledger
// code chain travels in the error data.
const rpcErrorCode = -32000

type rpcErrorData struct {
	Codes    []xerrors.Code    `json:"codes"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type rpcError struct {
	err  error
	data rpcErrorData
}

func (e *rpcError) Error() string          { return e.err.Error() }
func (e *rpcError) ErrorCode() int         { return rpcErrorCode }
func (e *rpcError) ErrorData() interface{} { return e.data }

func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	data := rpcErrorData{}
	var innermost *xerrors.Error
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if e, ok := cur.(*xerrors.Error); ok {
			data.Codes = append(data.Codes, e.Code())
			innermost = e
		}
	}
	if innermost == nil {
		return err
	}
	data.Message = innermost.Message()
	data.Metadata = innermost.Metadata()
	return &rpcError{err: err, data: data}
}

// fromRPCError rebuilds the coded chain sent by the server. Errors without
// ledger data are transport failures and are returned unchanged.
func fromRPCError(err error) error {
	if err == nil {
		return nil
	}
	var de gethrpc.DataError
	if !errors.As(err, &de) || de.ErrorData() == nil {
		return err
	}
	raw, marshalErr := json.Marshal(de.ErrorData())
	if marshalErr != nil {
		return err
	}
	var data rpcErrorData
	if json.Unmarshal(raw, &data) != nil || len(data.Codes) == 0 {
		return err
	}
	opts := make([]xerrors.Option, 0, len(data.Metadata))
	for k, v := range data.Metadata {
		opts = append(opts, xerrors.WithMetadata(k, v))
	}
	rebuilt := xerrors.New(data.Codes[len(data.Codes)-1], data.Message, opts...)
	for i := len(data.Codes) - 2; i >= 0; i-- {
		rebuilt = xerrors.Wrap(data.Codes[i], rebuilt, "")
	}
	return rebuilt
}

// API exposes a Client over JSON-RPC.
type API struct {
	backend Client
}

// NewAPI wraps backend.
func NewAPI(backend Client) *API {
	return &API{backend: backend}
}

func (api *API) Head(ctx context.Context) (Head, error) {
	head, err := api.backend.Head(ctx)
	return head, toRPCError(err)
}

func (api *API) GetAsset(ctx context.Context, address common.Address) (*Asset, error) {
	asset, err := api.backend.GetAsset(ctx, address)
	return asset, toRPCError(err)
}

func (api *API) GetPool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	pool, err := api.backend.GetPool(ctx, address)
	return pool, toRPCError(err)
}

func (api *API) ListPools(ctx context.Context) ([]escrow.Pool, error) {
	pools, err := api.backend.ListPools(ctx)
	return pools, toRPCError(err)
}

func (api *API) GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error) {
	transfer, err := api.backend.GetTransfer(ctx, address)
	return transfer, toRPCError(err)
}

func (api *API) GetHolding(ctx context.Context, owner, asset common.Address) (Holding, error) {
	holding, err := api.backend.GetHolding(ctx, owner, asset)
	return holding, toRPCError(err)
}

func (api *API) NextSequence(ctx context.Context, sender, pool common.Address) (hexutil.Uint64, error) {
	n, err := api.backend.NextSequence(ctx, sender, pool)
	return hexutil.Uint64(n), toRPCError(err)
}

func (api *API) SendTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	hash, err := api.backend.SendTransaction(ctx, raw)
	return hash, toRPCError(err)
}

func (api *API) GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := api.backend.GetReceipt(ctx, hash)
	return receipt, toRPCError(err)
}

// NewRPCServer returns a JSON-RPC server exposing backend. It serves HTTP
// directly and websockets through WebsocketHandler.
func NewRPCServer(backend Client) (*gethrpc.Server, error) {
	server := gethrpc.NewServer()
	if err := server.RegisterName(RPCNamespace, NewAPI(backend)); err != nil {
		return nil, fmt.Errorf("register ledger api: %w", err)
	}
	return server, nil
}

// RPCClient implements Client against a remote ledger.
type RPCClient struct {
	rpc *gethrpc.Client
}

// DialRPC connects to a ledger endpoint (http, ws or ipc).
func DialRPC(ctx context.Context, endpoint string) (*RPCClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger rpc endpoint is empty")
	}
	client, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "dial ledger rpc")
	}
	return NewRPCClient(client), nil
}

// NewRPCClient wraps an established connection.
func NewRPCClient(client *gethrpc.Client) *RPCClient {
	return &RPCClient{rpc: client}
}

// Close releases the connection.
func (c *RPCClient) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *RPCClient) call(ctx context.Context, result any, method string, args ...any) error {
	return fromRPCError(c.rpc.CallContext(ctx, result, RPCNamespace+"_"+method, args...))
}

func (c *RPCClient) Head(ctx context.Context) (Head, error) {
	var head Head
	err := c.call(ctx, &head, "head")
	return head, err
}

func (c *RPCClient) GetAsset(ctx context.Context, address common.Address) (*Asset, error) {
	var asset Asset
	if err := c.call(ctx, &asset, "getAsset", address); err != nil {
		return nil, err
	}
	return &asset, nil
}

func (c *RPCClient) GetPool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	var pool escrow.Pool
	if err := c.call(ctx, &pool, "getPool", address); err != nil {
		return nil, err
	}
	return &pool, nil
}

func (c *RPCClient) ListPools(ctx context.Context) ([]escrow.Pool, error) {
	var pools []escrow.Pool
	err := c.call(ctx, &pools, "listPools")
	return pools, err
}

func (c *RPCClient) GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error) {
	var transfer escrow.Transfer
	if err := c.call(ctx, &transfer, "getTransfer", address); err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (c *RPCClient) GetHolding(ctx context.Context, owner, asset common.Address) (Holding, error) {
	var holding Holding
	err := c.call(ctx, &holding, "getHolding", owner, asset)
	return holding, err
}

func (c *RPCClient) NextSequence(ctx context.Context, sender, pool common.Address) (uint64, error) {
	var n hexutil.Uint64
	err := c.call(ctx, &n, "nextSequence", sender, pool)
	return uint64(n), err
}

func (c *RPCClient) SendTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	err := c.call(ctx, &hash, "sendTransaction", hexutil.Bytes(raw))
	return hash, err
}

func (c *RPCClient) GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var receipt Receipt
	if err := c.call(ctx, &receipt, "getReceipt", hash); err != nil {
		return nil, err
	}
	return &receipt, nil
}

var (
	_ Client = (*Ledger)(nil)
	_ Client = (*RPCClient)(nil)
)
