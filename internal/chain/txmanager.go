package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvohq/allocd/internal/allocations"
)

// DefaultConfirmationTimeout bounds how long ExecuteTransaction waits
// for a submitted transaction to mine before giving up. Without it an
// unconfirmed transaction would block its execute batch indefinitely.
const DefaultConfirmationTimeout = 5 * time.Minute

// waitMiner is the receipt-polling surface of the RPC client.
type waitMiner interface {
	bind.DeployBackend
}

// TxManager implements allocations.TransactionManager: estimate, send,
// wait for the receipt. Paused and unauthorized contract reverts are
// mapped to their sentinels so the lifecycle manager can treat them as
// policy failures rather than transport errors.
type TxManager struct {
	backend waitMiner
	timeout time.Duration
	tracer  trace.Tracer
}

func NewTxManager(backend waitMiner, confirmationTimeout time.Duration) *TxManager {
	if confirmationTimeout <= 0 {
		confirmationTimeout = DefaultConfirmationTimeout
	}
	return &TxManager{
		backend: backend,
		timeout: confirmationTimeout,
		tracer:  otel.Tracer("allocd/txmanager"),
	}
}

func (t *TxManager) ExecuteTransaction(ctx context.Context, estimate allocations.EstimateFunc, send allocations.SendFunc) (*types.Receipt, error) {
	ctx, span := t.tracer.Start(ctx, "txmanager.ExecuteTransaction")
	defer span.End()

	gasLimit, err := estimate(ctx)
	if err != nil {
		return nil, mapContractError(fmt.Errorf("estimate gas: %w", err))
	}
	span.SetAttributes(attribute.Int64("gas_limit", int64(gasLimit)))

	tx, err := send(ctx, gasLimit)
	if err != nil {
		return nil, mapContractError(fmt.Errorf("send transaction: %w", err))
	}
	slog.Info("transaction submitted", "tx", tx.Hash(), "gas_limit", gasLimit)
	span.SetAttributes(attribute.String("tx_hash", tx.Hash().Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, t.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for transaction %s: %w", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted in block %d", tx.Hash(), receipt.BlockNumber)
	}

	slog.Info("transaction mined",
		"tx", tx.Hash(), "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
	return receipt, nil
}

// mapContractError translates the staking contract's revert reasons
// into the sentinel errors the lifecycle manager switches on.
func mapContractError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "paused"):
		return fmt.Errorf("%w: %v", allocations.ErrContractPaused, err)
	case strings.Contains(msg, "caller must be") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "!auth"):
		return fmt.Errorf("%w: %v", allocations.ErrUnauthorized, err)
	}
	return err
}
