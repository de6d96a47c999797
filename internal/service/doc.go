// Package service exposes the escrow operations to transports. Client-signed
// operations return unsigned transactions; the caller signs them and hands
// the raw bytes back to Submit. Confirmed transactions are published on the
// outcome queue so the mirror catches up.
package service
