package payment

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	etypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/ivxp-foundation/ivxp"
	"github.com/ivxp-foundation/ivxp/logger"
	"github.com/ivxp-foundation/ivxp/metrics"
)

// USDCDecimals is the smallest-unit scale of the settlement token.
const USDCDecimals = 6

const erc20ABIJSON = `[
	{"name":"transfer","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}

// Backend is the chain access the EVM service needs. *ethclient.Client
// satisfies it; tests supply a fake.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*etypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*etypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *etypes.Transaction) error
}

// EVMService settles orders in USDC on an EVM network.
type EVMService struct {
	backend Backend
	network ivxp.Network
	token   common.Address
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	log     logger.Logger
	metrics metrics.Recorder
}

// EVMOption configures an EVMService.
type EVMOption func(*EVMService)

// WithEVMLogger sets the service's log sink.
func WithEVMLogger(log logger.Logger) EVMOption {
	return func(s *EVMService) {
		if log != nil {
			s.log = log
		}
	}
}

// WithEVMMetrics sets the service's metrics recorder.
func WithEVMMetrics(rec metrics.Recorder) EVMOption {
	return func(s *EVMService) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithToken overrides the settlement token contract, for networks or tests
// that do not use the canonical USDC deployment.
func WithToken(address string) EVMOption {
	return func(s *EVMService) {
		s.token = common.HexToAddress(address)
	}
}

// NewEVMService creates a payment service for the given network.
//
// privateKeyHex funds outbound transfers; pass "" for a verify-only service
// (a provider that never sends money). The chain id is pinned at construction
// so every later call verifies against the same chain.
func NewEVMService(ctx context.Context, backend Backend, network ivxp.Network, privateKeyHex string, opts ...EVMOption) (*EVMService, error) {
	if !network.Supported() {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("network %q is not supported", network), nil)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	s := &EVMService{
		backend: backend,
		network: network,
		token:   common.HexToAddress(network.USDCContract()),
		chainID: chainID,
		log:     logger.Noop{},
		metrics: metrics.NoopRecorder{},
	}

	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid payment key: %w", err)
		}
		s.key = key
		s.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the sending account, or the zero string for a verify-only
// service.
func (s *EVMService) Address() string {
	if s.key == nil {
		return ""
	}
	return s.from.Hex()
}

// toUnits converts a decimal token amount to smallest-unit integers.
func toUnits(amount decimal.Decimal) (*big.Int, error) {
	shifted := amount.Shift(USDCDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s exceeds token precision of %d decimals", amount, USDCDecimals)
	}
	return shifted.BigInt(), nil
}

// Send broadcasts an ERC-20 transfer and returns its transaction hash.
func (s *EVMService) Send(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if s.key == nil {
		return "", fmt.Errorf("payment service has no sending key configured")
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("invalid recipient address %q", to)
	}

	units, err := toUnits(amount)
	if err != nil {
		return "", err
	}
	if units.Sign() <= 0 {
		return "", fmt.Errorf("amount must be positive, got %s", amount)
	}

	balance, err := s.balanceOf(ctx, s.from)
	if err != nil {
		return "", err
	}
	if balance.Cmp(units) < 0 {
		return "", ivxp.NewProtocolError(ivxp.ErrCodeInsufficientBalance,
			fmt.Sprintf("balance %s below requested amount %s", balance, units),
			map[string]interface{}{"balance": balance.String(), "requested": units.String()})
	}

	callData, err := erc20ABI.Pack("transfer", common.HexToAddress(to), units)
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer: %w", err)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch account nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}
	gasLimit, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &s.token, Data: callData})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := etypes.NewTransaction(nonce, s.token, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := etypes.SignTx(tx, etypes.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	txHash := signed.Hash().Hex()
	s.log.Info("payment sent", "to", to, "amount", amount.String(), "txHash", txHash, "network", s.network.String())
	return txHash, nil
}

// Verify confirms that txHash is an ERC-20 transfer of exactly the expected
// amount between the expected parties on this service's token contract.
func (s *EVMService) Verify(ctx context.Context, txHash string, expected Expectation) (bool, error) {
	tx, pending, err := s.backend.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return false, ivxp.NewProtocolError(ivxp.ErrCodePaymentNotFound,
				fmt.Sprintf("transaction %s not found", txHash), nil)
		}
		return false, fmt.Errorf("failed to fetch transaction: %w", err)
	}

	// Not a call to the settlement token at all.
	if tx.To() == nil || *tx.To() != s.token {
		s.log.Warn("payment targets wrong contract", "txHash", txHash)
		return false, nil
	}

	recipient, units, ok := decodeTransfer(tx.Data())
	if !ok {
		s.log.Warn("payment is not an erc20 transfer", "txHash", txHash)
		return false, nil
	}

	sender, err := etypes.Sender(etypes.LatestSignerForChainID(s.chainID), tx)
	if err != nil {
		return false, fmt.Errorf("failed to recover transaction sender: %w", err)
	}

	if sender != common.HexToAddress(expected.From) {
		s.log.Warn("payment sender mismatch", "txHash", txHash, "sender", sender.Hex(), "expected", expected.From)
		return false, nil
	}
	if recipient != common.HexToAddress(expected.To) {
		s.log.Warn("payment recipient mismatch", "txHash", txHash, "recipient", recipient.Hex(), "expected", expected.To)
		return false, nil
	}

	expectedUnits, err := toUnits(expected.Amount)
	if err != nil {
		return false, err
	}
	if units.Cmp(expectedUnits) != 0 {
		s.metrics.IncCounter(metrics.EventPaymentRejected, map[string]string{"network": s.network.String()})
		return false, ivxp.NewProtocolError(ivxp.ErrCodePaymentAmountMismatch,
			fmt.Sprintf("transaction %s transfers %s units, expected %s", txHash, units, expectedUnits),
			map[string]interface{}{"actual": units.String(), "expected": expectedUnits.String()})
	}

	// A mined transaction must also have executed successfully.
	if !pending {
		receipt, err := s.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
		if err != nil && err != ethereum.NotFound {
			return false, fmt.Errorf("failed to fetch receipt: %w", err)
		}
		if receipt != nil && receipt.Status != etypes.ReceiptStatusSuccessful {
			s.log.Warn("payment transaction reverted", "txHash", txHash)
			return false, nil
		}
	}

	s.metrics.IncCounter(metrics.EventPaymentVerified, map[string]string{"network": s.network.String()})
	return true, nil
}

// decodeTransfer extracts the recipient and value of an erc20 transfer call.
func decodeTransfer(data []byte) (common.Address, *big.Int, bool) {
	transferID := erc20ABI.Methods["transfer"].ID
	if len(data) != 4+32+32 || string(data[:4]) != string(transferID) {
		return common.Address{}, nil, false
	}
	recipient := common.BytesToAddress(data[4+12 : 4+32])
	units := new(big.Int).SetBytes(data[36:68])
	return recipient, units, true
}

// GetBalance returns the token balance of address in decimal units.
func (s *EVMService) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address %q", address)
	}
	units, err := s.balanceOf(ctx, common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(units, -USDCDecimals), nil
}

func (s *EVMService) balanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	callData, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to encode balanceOf: %w", err)
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &s.token, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	results, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode balance: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

// GetTransactionStatus reports a transfer's confirmation state.
func (s *EVMService) GetTransactionStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveLatency("payment_status", time.Since(start), map[string]string{"network": s.network.String()})
	}()

	hash := common.HexToHash(txHash)
	_, pending, err := s.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, ivxp.NewProtocolError(ivxp.ErrCodePaymentNotFound,
				fmt.Sprintf("transaction %s not found", txHash), nil)
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if pending {
		return &TxStatus{Status: TxPending}, nil
	}

	receipt, err := s.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return &TxStatus{Status: TxPending}, nil
		}
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block number: %w", err)
	}

	status := TxSuccess
	if receipt.Status != etypes.ReceiptStatusSuccessful {
		status = TxFailed
	}
	block := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}
	return &TxStatus{Status: status, BlockNumber: block, Confirmations: confirmations}, nil
}

var _ Service = (*EVMService)(nil)
