// Command examples sends an escrow transfer through a running escrowd and
// waits for it to confirm. Set ESCROW_URL, ESCROW_SENDER_KEY and
// ESCROW_RECIPIENT; ESCROW_TOKEN is only needed for the faucet.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/sdk/go/escrow"
)

func main() {
	baseURL := envOr("ESCROW_URL", "http://127.0.0.1:8080")
	sender, err := orchestrator.KeySignerFromHex(os.Getenv("ESCROW_SENDER_KEY"))
	if err != nil {
		panic(err)
	}
	recipient := common.HexToAddress(os.Getenv("ESCROW_RECIPIENT"))
	asset := envOr("ESCROW_ASSET", "USD")

	client, err := escrow.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	client.SetToken(os.Getenv("ESCROW_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if client.Token() != "" {
		grant, err := client.RequestFaucet(ctx, asset, sender.Address())
		if err != nil {
			fmt.Printf("faucet skipped: %v\n", err)
		} else {
			fmt.Printf("faucet granted %d units in %s\n", grant.Amount, grant.Outcome.TxHash.Hex())
		}
	}

	utx, err := client.CreateTransfer(ctx, escrow.CreateTransferRequest{
		Sender:    sender.Address(),
		Recipient: recipient,
		Asset:     asset,
		Amount:    envOr("ESCROW_AMOUNT", "1"),
		Memo:      "sdk example",
	})
	if err != nil {
		panic(err)
	}
	outcome, err := client.SignAndSubmit(ctx, sender, utx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("transfer %s %s in slot %d\n", utx.Transfer.Hex(), outcome.Status, outcome.Slot)

	transfer, err := client.GetTransfer(ctx, utx.Transfer)
	if err != nil {
		panic(err)
	}
	fmt.Printf("transfer status=%s amount=%d pool=%s\n", transfer.Status, transfer.Amount, transfer.Pool.Hex())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
