package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/corvohq/allocd/internal/allocations"
)

// fakeBackend serves a canned receipt to bind.WaitMined.
type fakeBackend struct {
	receipt *types.Receipt
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.receipt, nil
}

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func dummyTx() *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       21000,
		To:        &common.Address{},
		Value:     big.NewInt(0),
	})
}

func TestExecuteTransactionReturnsMinedReceipt(t *testing.T) {
	want := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      common.HexToHash("0xfeed"),
		BlockNumber: big.NewInt(7),
	}
	tm := NewTxManager(&fakeBackend{receipt: want}, 0)

	estimate := func(ctx context.Context) (uint64, error) { return 21000, nil }
	send := func(ctx context.Context, gasLimit uint64) (*types.Transaction, error) {
		if gasLimit != 21000 {
			t.Errorf("gas limit = %d, want 21000", gasLimit)
		}
		return dummyTx(), nil
	}

	got, err := tm.ExecuteTransaction(context.Background(), estimate, send)
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if got != want {
		t.Errorf("receipt = %+v, want %+v", got, want)
	}
}

func TestExecuteTransactionRevertedReceiptIsAnError(t *testing.T) {
	reverted := &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(7),
	}
	tm := NewTxManager(&fakeBackend{receipt: reverted}, 0)

	estimate := func(ctx context.Context) (uint64, error) { return 21000, nil }
	send := func(ctx context.Context, gasLimit uint64) (*types.Transaction, error) {
		return dummyTx(), nil
	}

	if _, err := tm.ExecuteTransaction(context.Background(), estimate, send); err == nil {
		t.Fatal("reverted receipt did not produce an error")
	}
}

func TestExecuteTransactionMapsContractReverts(t *testing.T) {
	cases := []struct {
		revert string
		want   error
	}{
		{"execution reverted: paused", allocations.ErrContractPaused},
		{"execution reverted: caller must be the indexer or operator", allocations.ErrUnauthorized},
		{"execution reverted: !auth", allocations.ErrUnauthorized},
	}
	for _, tc := range cases {
		tm := NewTxManager(&fakeBackend{}, 0)
		estimate := func(ctx context.Context) (uint64, error) {
			return 0, errors.New(tc.revert)
		}
		send := func(ctx context.Context, gasLimit uint64) (*types.Transaction, error) {
			t.Fatal("send called after failed estimate")
			return nil, nil
		}
		_, err := tm.ExecuteTransaction(context.Background(), estimate, send)
		if !errors.Is(err, tc.want) {
			t.Errorf("revert %q mapped to %v, want %v", tc.revert, err, tc.want)
		}
	}
}
