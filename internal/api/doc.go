// Package api exposes the escrow service over HTTP. Client-signed operations
// return unsigned transactions as hex RLP; signed bytes come back through
// POST /api/v1/transactions.
package api
