// Package evm verifies entry payments against an EVM chain through a JSON-RPC
// node. Payments are either ERC-20 transfers or native value transfers.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainReader is the subset of ethclient.Client the verifier needs.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config describes the payment asset and how much finality is required.
type Config struct {
	ChainID       int64
	Token         string // ERC-20 contract; empty means native currency
	Decimals      int32
	Confirmations uint64
	Timeout       time.Duration
}

// Verifier implements domain.PaymentVerifier.
type Verifier struct {
	chain   ChainReader
	cfg     Config
	token   common.Address
	native  bool
	chainID *big.Int
}

// Dial connects to rpcURL and returns a Verifier with a close function.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Verifier, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	v, err := NewVerifier(client, cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return v, client.Close, nil
}

// NewVerifier wraps an existing chain reader.
func NewVerifier(chain ChainReader, cfg Config) (*Verifier, error) {
	v := &Verifier{chain: chain, cfg: cfg, chainID: big.NewInt(cfg.ChainID)}
	if cfg.Token == "" {
		v.native = true
	} else {
		if !common.IsHexAddress(cfg.Token) {
			return nil, fmt.Errorf("evm: invalid token address %q", cfg.Token)
		}
		v.token = common.HexToAddress(cfg.Token)
	}
	if v.cfg.Timeout <= 0 {
		v.cfg.Timeout = 10 * time.Second
	}
	return v, nil
}

// BaseUnits converts a decimal amount to the asset's smallest unit,
// truncating any precision beyond Decimals.
func BaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// Verify checks that check.Reference is a mined, successful transaction in
// which check.Payer paid at least check.Amount to check.Destination.
func (v *Verifier) Verify(ctx context.Context, check domain.PaymentCheck) (domain.VerifiedPayment, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	if !isTxHash(check.Reference) {
		return domain.VerifiedPayment{}, fmt.Errorf("evm: %w: malformed reference %q", domain.ErrPaymentNotFound, check.Reference)
	}
	if !common.IsHexAddress(check.Payer) || !common.IsHexAddress(check.Destination) {
		return domain.VerifiedPayment{}, fmt.Errorf("evm: %w: malformed payer or destination", domain.ErrPaymentMismatch)
	}
	hash := common.HexToHash(check.Reference)
	payer := common.HexToAddress(check.Payer)
	dest := common.HexToAddress(check.Destination)
	required := BaseUnits(check.Amount, v.cfg.Decimals)

	receipt, err := v.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.VerifiedPayment{}, v.missingReceipt(ctx, hash)
		}
		return domain.VerifiedPayment{}, fmt.Errorf("evm: receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.VerifiedPayment{}, fmt.Errorf("evm: %w: transaction %s reverted", domain.ErrPaymentNotFound, hash.Hex())
	}
	if err := v.checkConfirmations(ctx, receipt); err != nil {
		return domain.VerifiedPayment{}, err
	}

	var paid *big.Int
	if v.native {
		paid, err = v.nativePaid(ctx, hash, payer, dest)
	} else {
		paid, err = v.tokenPaid(receipt, payer, dest)
	}
	if err != nil {
		return domain.VerifiedPayment{}, err
	}
	if paid.Cmp(required) < 0 {
		return domain.VerifiedPayment{}, fmt.Errorf("evm: %w: paid %s of %s base units", domain.ErrPaymentUnderpaid, paid, required)
	}

	out := domain.VerifiedPayment{
		Reference: strings.ToLower(hash.Hex()),
		Payer:     strings.ToLower(payer.Hex()),
		Amount:    decimal.NewFromBigInt(paid, -v.cfg.Decimals),
	}
	if receipt.BlockNumber != nil {
		out.Block = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// missingReceipt distinguishes a pending transaction from an unknown one.
func (v *Verifier) missingReceipt(ctx context.Context, hash common.Hash) error {
	_, pending, err := v.chain.TransactionByHash(ctx, hash)
	switch {
	case err == nil && pending:
		return fmt.Errorf("evm: %w: transaction %s not mined", domain.ErrPaymentPending, hash.Hex())
	case err == nil:
		// Known but receipt not served yet by this node.
		return fmt.Errorf("evm: %w: receipt for %s not available", domain.ErrPaymentPending, hash.Hex())
	case errors.Is(err, ethereum.NotFound):
		return fmt.Errorf("evm: %w: transaction %s", domain.ErrPaymentNotFound, hash.Hex())
	default:
		return fmt.Errorf("evm: transaction %s: %w", hash.Hex(), err)
	}
}

func (v *Verifier) checkConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if v.cfg.Confirmations <= 1 || receipt.BlockNumber == nil {
		return nil
	}
	head, err := v.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("evm: block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < v.cfg.Confirmations {
		return fmt.Errorf("evm: %w: %d of %d confirmations", domain.ErrPaymentPending, confirmations(head, mined), v.cfg.Confirmations)
	}
	return nil
}

func confirmations(head, mined uint64) uint64 {
	if head < mined {
		return 0
	}
	return head - mined + 1
}

// tokenPaid sums the token's Transfer logs from payer to dest.
func (v *Verifier) tokenPaid(receipt *types.Receipt, payer, dest common.Address) (*big.Int, error) {
	total := new(big.Int)
	matched := false
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != v.token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if from != payer || to != dest {
			continue
		}
		matched = true
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	if !matched {
		return nil, fmt.Errorf("evm: %w: no transfer from %s to %s", domain.ErrPaymentMismatch, payer.Hex(), dest.Hex())
	}
	return total, nil
}

// nativePaid checks the transaction's sender and recipient and returns its value.
func (v *Verifier) nativePaid(ctx context.Context, hash common.Hash, payer, dest common.Address) (*big.Int, error) {
	tx, _, err := v.chain.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("evm: transaction %s: %w", hash.Hex(), err)
	}
	if tx.To() == nil || *tx.To() != dest {
		return nil, fmt.Errorf("evm: %w: recipient is not %s", domain.ErrPaymentMismatch, dest.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(v.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("evm: recover sender of %s: %w", hash.Hex(), err)
	}
	if from != payer {
		return nil, fmt.Errorf("evm: %w: sender %s is not %s", domain.ErrPaymentMismatch, from.Hex(), payer.Hex())
	}
	return tx.Value(), nil
}

func isTxHash(s string) bool {
	h, ok := strings.CutPrefix(s, "0x")
	if !ok || len(h) != 2*common.HashLength {
		return false
	}
	for _, c := range h {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

var _ domain.PaymentVerifier = (*Verifier)(nil)
