package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/corvohq/allocd/internal/allocations"
)

// ABI fragments for the calls the agent makes. Only the functions used
// here are declared; the deployed contracts carry much more.
const stakingABI = `[
	{"type":"function","name":"getAllocationState","stateMutability":"view","inputs":[
		{"name":"allocationID","type":"address"}],
		"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"getIndexerCapacity","stateMutability":"view","inputs":[
		{"name":"indexer","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allocateFrom","stateMutability":"nonpayable","inputs":[
		{"name":"indexer","type":"address"},
		{"name":"subgraphDeploymentID","type":"bytes32"},
		{"name":"tokens","type":"uint256"},
		{"name":"allocationID","type":"address"},
		{"name":"metadata","type":"bytes32"},
		{"name":"proof","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"closeAllocation","stateMutability":"nonpayable","inputs":[
		{"name":"allocationID","type":"address"},
		{"name":"poi","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"closeAndAllocate","stateMutability":"nonpayable","inputs":[
		{"name":"closingAllocationID","type":"address"},
		{"name":"poi","type":"bytes32"},
		{"name":"indexer","type":"address"},
		{"name":"subgraphDeploymentID","type":"bytes32"},
		{"name":"tokens","type":"uint256"},
		{"name":"allocationID","type":"address"},
		{"name":"metadata","type":"bytes32"},
		{"name":"proof","type":"bytes"}],"outputs":[]}
]`

const epochManagerABI = `[
	{"type":"function","name":"currentEpoch","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]}
]`

// Contracts implements allocations.ContractCaller over a JSON-RPC
// client. Reads go straight to the node; the chain-mutating calls are
// returned as estimate/send closures for the transaction manager.
type Contracts struct {
	client       *ethclient.Client
	staking      common.Address
	epochManager common.Address
	stakingABI   abi.ABI
	epochABI     abi.ABI
	operator     *ecdsa.PrivateKey
	operatorAddr common.Address
	chainID      *big.Int
}

// Dial connects to the chain and resolves the chain id for signing.
func Dial(ctx context.Context, rpcURL string, staking, epochManager common.Address, operator *ecdsa.PrivateKey) (*Contracts, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	sABI, err := abi.JSON(strings.NewReader(stakingABI))
	if err != nil {
		return nil, fmt.Errorf("parse staking ABI: %w", err)
	}
	eABI, err := abi.JSON(strings.NewReader(epochManagerABI))
	if err != nil {
		return nil, fmt.Errorf("parse epoch manager ABI: %w", err)
	}

	return &Contracts{
		client:       client,
		staking:      staking,
		epochManager: epochManager,
		stakingABI:   sABI,
		epochABI:     eABI,
		operator:     operator,
		operatorAddr: crypto.PubkeyToAddress(operator.PublicKey),
		chainID:      chainID,
	}, nil
}

// Client exposes the underlying RPC client (the transaction manager
// shares it for receipt waiting).
func (c *Contracts) Client() *ethclient.Client {
	return c.client
}

func (c *Contracts) Close() {
	c.client.Close()
}

func (c *Contracts) CurrentEpoch(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, c.epochManager, c.epochABI, "currentEpoch")
	if err != nil {
		return 0, fmt.Errorf("currentEpoch: %w", err)
	}
	epoch, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("currentEpoch: unexpected result type %T", out[0])
	}
	return epoch.Uint64(), nil
}

func (c *Contracts) IndexerCapacity(ctx context.Context, indexer common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.staking, c.stakingABI, "getIndexerCapacity", indexer)
	if err != nil {
		return nil, fmt.Errorf("getIndexerCapacity: %w", err)
	}
	capacity, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getIndexerCapacity: unexpected result type %T", out[0])
	}
	return capacity, nil
}

func (c *Contracts) AllocationState(ctx context.Context, id common.Address) (allocations.Status, error) {
	out, err := c.call(ctx, c.staking, c.stakingABI, "getAllocationState", id)
	if err != nil {
		return allocations.StatusNull, fmt.Errorf("getAllocationState: %w", err)
	}
	state, ok := out[0].(uint8)
	if !ok {
		return allocations.StatusNull, fmt.Errorf("getAllocationState: unexpected result type %T", out[0])
	}
	return allocations.Status(state), nil
}

func (c *Contracts) AllocateFrom(p allocations.AllocateParams) (allocations.EstimateFunc, allocations.SendFunc) {
	return c.txFuncs("allocateFrom",
		p.Indexer, p.Deployment, p.Tokens, p.AllocationID, p.Metadata, p.Proof)
}

func (c *Contracts) CloseAllocation(id common.Address, poi common.Hash) (allocations.EstimateFunc, allocations.SendFunc) {
	return c.txFuncs("closeAllocation", id, poi)
}

func (c *Contracts) CloseAndAllocate(closeID common.Address, poi common.Hash, open allocations.AllocateParams) (allocations.EstimateFunc, allocations.SendFunc) {
	return c.txFuncs("closeAndAllocate",
		closeID, poi, open.Indexer, open.Deployment, open.Tokens,
		open.AllocationID, open.Metadata, open.Proof)
}

func (c *Contracts) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

// txFuncs packs the calldata once and returns the estimate/send pair
// the transaction manager drives.
func (c *Contracts) txFuncs(method string, args ...interface{}) (allocations.EstimateFunc, allocations.SendFunc) {
	calldata, packErr := c.stakingABI.Pack(method, args...)
	to := c.staking

	estimate := func(ctx context.Context) (uint64, error) {
		if packErr != nil {
			return 0, fmt.Errorf("pack %s: %w", method, packErr)
		}
		return c.client.EstimateGas(ctx, ethereum.CallMsg{
			From: c.operatorAddr,
			To:   &to,
			Data: calldata,
		})
	}

	send := func(ctx context.Context, gasLimit uint64) (*types.Transaction, error) {
		if packErr != nil {
			return nil, fmt.Errorf("pack %s: %w", method, packErr)
		}
		nonce, err := c.client.PendingNonceAt(ctx, c.operatorAddr)
		if err != nil {
			return nil, fmt.Errorf("pending nonce: %w", err)
		}
		head, err := c.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("read chain head: %w", err)
		}
		var tipCap, gasPrice *big.Int
		if head.BaseFee != nil {
			tipCap, err = c.client.SuggestGasTipCap(ctx)
			if err != nil {
				return nil, fmt.Errorf("suggest gas tip cap: %w", err)
			}
		} else {
			// Chain without EIP-1559: no base fee to price against.
			gasPrice, err = c.client.SuggestGasPrice(ctx)
			if err != nil {
				return nil, fmt.Errorf("suggest gas price: %w", err)
			}
		}

		tx := newCallTx(c.chainID, nonce, gasLimit, to, calldata, head, tipCap, gasPrice)
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.operator)
		if err != nil {
			return nil, fmt.Errorf("sign transaction: %w", err)
		}
		if err := c.client.SendTransaction(ctx, signed); err != nil {
			return nil, fmt.Errorf("send transaction: %w", err)
		}
		return signed, nil
	}

	return estimate, send
}

// newCallTx builds the unsigned contract call. Chains that price by
// base fee get a dynamic-fee transaction with a fee cap of tip plus
// twice the head's base fee; chains without one (head.BaseFee nil) get
// a legacy transaction at the suggested gas price.
func newCallTx(chainID *big.Int, nonce, gasLimit uint64, to common.Address, calldata []byte, head *types.Header, tipCap, gasPrice *big.Int) *types.Transaction {
	if head.BaseFee == nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     calldata,
		})
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      calldata,
	})
}
