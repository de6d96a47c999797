package orchestrator

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type signResult struct {
	stx *SignedTx
	err error
}

// Pipeline runs UnsignedTx -> SignedTx -> Outcome as two connected stages.
type Pipeline struct {
	signer    Signer
	submitter *Submitter
}

// NewPipeline wires signer and submitter.
func NewPipeline(signer Signer, submitter *Submitter) *Pipeline {
	return &Pipeline{signer: signer, submitter: submitter}
}

type signed struct {
	op   string
	stx  *SignedTx
	err  error
	hash common.Hash
}

// Run consumes in until it is closed or ctx is cancelled and emits one
// outcome per transaction that reached the end of the pipeline. Outcomes of
// submitted transactions are emitted even after cancellation, so callers
// must drain the returned channel. It is closed once both stages have
// stopped.
func (p *Pipeline) Run(ctx context.Context, in <-chan *UnsignedTx) <-chan Outcome {
	signedCh := make(chan signed)
	out := make(chan Outcome)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(signedCh)
		for {
			var utx *UnsignedTx
			select {
			case <-ctx.Done():
				return
			case u, ok := <-in:
				if !ok {
					return
				}
				utx = u
			}
			stx, err := p.sign(ctx, utx)
			if ctx.Err() != nil {
				return
			}
			select {
			case signedCh <- signed{op: utx.Op, stx: stx, err: err, hash: utx.Digest}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer func() {
			for range signedCh {
			}
		}()
		for item := range signedCh {
			if item.err != nil {
				select {
				case out <- Outcome{Op: item.op, Status: StatusNotSubmitted, TxHash: item.hash, Err: item.err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Once handed to the ledger the outcome is always delivered.
			out <- p.submitter.Submit(ctx, item.stx)
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// sign runs the signer in its own goroutine. The result channel is buffered
// so an abandoned signature never blocks the signer.
func (p *Pipeline) sign(ctx context.Context, utx *UnsignedTx) (*SignedTx, error) {
	results := make(chan signResult, 1)
	go func() {
		stx, err := p.signer.Sign(ctx, utx)
		results <- signResult{stx: stx, err: err}
	}()
	select {
	case res := <-results:
		return res.stx, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute pushes a single transaction through the pipeline. It reports
// StatusNotSubmitted only when the transaction never reached the ledger.
func (p *Pipeline) Execute(ctx context.Context, utx *UnsignedTx) Outcome {
	in := make(chan *UnsignedTx, 1)
	in <- utx
	close(in)
	if outcome, ok := <-p.Run(ctx, in); ok {
		return outcome
	}
	return Outcome{Op: utx.Op, Status: StatusNotSubmitted, TxHash: utx.Digest, Err: ctx.Err()}
}
