package treasury

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"payoutmgr/native/payout"
)

const erc20ABI = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
 {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	parsedERC20            = mustParseABI(erc20ABI)
	transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend is the subset of the Ethereum RPC needed to hold and move ERC-20
// balances. *ethclient.Client satisfies it.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial opens an RPC backend for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("treasury: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ERC20Options tunes transaction submission.
type ERC20Options struct {
	// ChainID selects the replay-protected signer.
	ChainID *big.Int
	// WaitMined blocks Transfer until a receipt is available.
	WaitMined bool
	// PollInterval is the receipt polling cadence. Defaults to one second.
	PollInterval time.Duration
}

// ERC20 is an AssetStore backed by a deployed ERC-20 contract. Transfers are
// sent from the custody key.
type ERC20 struct {
	backend Backend
	token   common.Address
	key     *ecdsa.PrivateKey
	from    common.Address
	opts    ERC20Options
}

// NewERC20 binds token through backend. key may be nil for read-only use.
func NewERC20(backend Backend, token common.Address, key *ecdsa.PrivateKey, opts ERC20Options) (*ERC20, error) {
	if backend == nil {
		return nil, errors.New("treasury: backend required")
	}
	if key != nil && opts.ChainID == nil {
		return nil, errors.New("treasury: chain id required for signing")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	store := &ERC20{backend: backend, token: token, key: key, opts: opts}
	if key != nil {
		store.from = gethcrypto.PubkeyToAddress(key.PublicKey)
	}
	return store, nil
}

// Address returns the token contract.
func (e *ERC20) Address() common.Address { return e.token }

// BalanceOf queries balanceOf(holder) at the latest block.
func (e *ERC20) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	data, err := parsedERC20.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	token := e.token
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("treasury: balanceOf: %w", err)
	}
	values, err := parsedERC20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("treasury: decode balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("treasury: unexpected balanceOf result")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("treasury: unexpected balanceOf type %T", values[0])
	}
	return balance, nil
}

// PendingTransferError reports a transfer that was handed to the node but
// whose outcome could not be established.
type PendingTransferError struct {
	TxHash common.Hash
	Err    error
}

func (e *PendingTransferError) Error() string {
	return fmt.Sprintf("treasury: transfer %s pending: %v", e.TxHash.Hex(), e.Err)
}

func (e *PendingTransferError) Unwrap() error { return e.Err }

// Transfer signs and submits transfer(to, amount) from the custody key.
// Failures before submission and reverted receipts are tagged
// payout.ErrNotSubmitted. Once SendTransaction has been attempted any other
// failure is a PendingTransferError, since the node may already hold the
// transaction.
func (e *ERC20) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	signed, err := e.buildTransfer(ctx, from, to, amount)
	if err != nil {
		return payout.NotSubmitted(err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return &PendingTransferError{TxHash: signed.Hash(), Err: fmt.Errorf("send transfer: %w", err)}
	}
	if !e.opts.WaitMined {
		return nil
	}
	return e.confirm(ctx, signed.Hash(), to, amount)
}

func (e *ERC20) buildTransfer(ctx context.Context, from, to common.Address, amount *big.Int) (*gethtypes.Transaction, error) {
	if e.key == nil {
		return nil, errors.New("treasury: erc20 store is read-only")
	}
	if from != e.from {
		return nil, fmt.Errorf("treasury: custody key controls %s, not %s", e.from.Hex(), from.Hex())
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	data, err := parsedERC20.Pack("transfer", to, amount)
	if err != nil {
		return nil, err
	}
	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("treasury: pending nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("treasury: gas price: %w", err)
	}
	token := e.token
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("treasury: estimate gas: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &token,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.opts.ChainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("treasury: sign transfer: %w", err)
	}
	return signed, nil
}

func (e *ERC20) confirm(ctx context.Context, txHash common.Hash, to common.Address, amount *big.Int) error {
	receipt, err := WaitMined(ctx, e.backend, txHash, e.opts.PollInterval)
	if err != nil {
		return &PendingTransferError{TxHash: txHash, Err: err}
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return payout.NotSubmitted(fmt.Errorf("treasury: transfer %s reverted", txHash.Hex()))
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != e.token || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != to {
			continue
		}
		if new(big.Int).SetBytes(log.Data).Cmp(amount) == 0 {
			return nil
		}
	}
	return &PendingTransferError{TxHash: txHash, Err: errors.New("no matching Transfer log")}
}

// WaitMined polls for the receipt of txHash until it appears or ctx ends.
func WaitMined(ctx context.Context, backend Backend, txHash common.Hash, interval time.Duration) (*gethtypes.Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("treasury: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ERC20Resolver turns contract addresses into ERC20 stores sharing one
// backend and custody key.
type ERC20Resolver struct {
	backend Backend
	key     *ecdsa.PrivateKey
	opts    ERC20Options
}

// NewERC20Resolver returns a resolver over backend.
func NewERC20Resolver(backend Backend, key *ecdsa.PrivateKey, opts ERC20Options) (*ERC20Resolver, error) {
	if backend == nil {
		return nil, errors.New("treasury: backend required")
	}
	return &ERC20Resolver{backend: backend, key: key, opts: opts}, nil
}

// Resolve implements payout.Resolver. Addresses without contract code are
// rejected.
func (r *ERC20Resolver) Resolve(ctx context.Context, addr common.Address) (payout.AssetStore, error) {
	code, err := r.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("treasury: code at %s: %w", addr.Hex(), err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s has no code", ErrNotAssetStore, addr.Hex())
	}
	store, err := NewERC20(r.backend, addr, r.key, r.opts)
	if err != nil {
		return nil, err
	}
	return store, nil
}
