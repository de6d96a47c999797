// Package escrow implements the transfer state machine and the pool
// accounting it posts to. Every function is pure: it mutates only the records
// it is handed, so the ledger runs them on copies and commits on success.
package escrow
