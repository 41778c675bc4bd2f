package payment

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	etypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivxp-foundation/ivxp"
)

var testChainID = big.NewInt(84532)

type fakeBackend struct {
	chainID  *big.Int
	head     uint64
	txs      map[common.Hash]*etypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*etypes.Receipt
	balances map[common.Address]*big.Int
	sent     []*etypes.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  testChainID,
		head:     100,
		txs:      make(map[common.Hash]*etypes.Transaction),
		pending:  make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*etypes.Receipt),
		balances: make(map[common.Address]*big.Int),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return b.chainID, nil }
func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return b.head, nil
}

func (b *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	// Only balanceOf(owner) is consulted.
	owner := common.BytesToAddress(call.Data[4+12 : 4+32])
	balance := b.balances[owner]
	if balance == nil {
		balance = big.NewInt(0)
	}
	return common.LeftPadBytes(balance.Bytes(), 32), nil
}

func (b *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*etypes.Transaction, bool, error) {
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, b.pending[hash], nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*etypes.Receipt, error) {
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *etypes.Transaction) error {
	b.sent = append(b.sent, tx)
	b.txs[tx.Hash()] = tx
	b.pending[tx.Hash()] = true
	return nil
}

// addTransfer signs and registers a mined erc20 transfer from key's address.
func (b *fakeBackend) addTransfer(t *testing.T, key *ecdsa.PrivateKey, token, to common.Address, units *big.Int) common.Hash {
	t.Helper()
	callData, err := erc20ABI.Pack("transfer", to, units)
	require.NoError(t, err)

	tx := etypes.NewTransaction(0, token, big.NewInt(0), 60_000, big.NewInt(1), callData)
	signed, err := etypes.SignTx(tx, etypes.LatestSignerForChainID(b.chainID), key)
	require.NoError(t, err)

	hash := signed.Hash()
	b.txs[hash] = signed
	b.receipts[hash] = &etypes.Receipt{Status: etypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(95)}
	return hash
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func newService(t *testing.T, backend *fakeBackend, keyHex string) *EVMService {
	t.Helper()
	svc, err := NewEVMService(context.Background(), backend, ivxp.NetworkBaseSepolia, keyHex)
	require.NoError(t, err)
	return svc
}

func TestNewEVMServiceRejectsUnknownNetwork(t *testing.T) {
	_, err := NewEVMService(context.Background(), newFakeBackend(), ivxp.Network("polygon"), "")
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodeUnsupportedNetwork))
}

func TestVerifyPartyAndAmountMatrix(t *testing.T) {
	backend := newFakeBackend()
	svc := newService(t, backend, "")

	payerKey, payer := newKey(t)
	_, recipient := newKey(t)
	_, stranger := newKey(t)

	// Exactly 10.00 USDC from payer to recipient.
	hash := backend.addTransfer(t, payerKey, svc.token, recipient, big.NewInt(10_000_000))
	ten := decimal.RequireFromString("10.00")

	ok, err := svc.Verify(context.Background(), hash.Hex(), Expectation{
		From: payer.Hex(), To: recipient.Hex(), Amount: ten,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong sender is a soft false.
	ok, err = svc.Verify(context.Background(), hash.Hex(), Expectation{
		From: stranger.Hex(), To: recipient.Hex(), Amount: ten,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong recipient is a soft false.
	ok, err = svc.Verify(context.Background(), hash.Hex(), Expectation{
		From: payer.Hex(), To: stranger.Hex(), Amount: ten,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong amount is a hard error.
	_, err = svc.Verify(context.Background(), hash.Hex(), Expectation{
		From: payer.Hex(), To: recipient.Hex(), Amount: decimal.RequireFromString("99.00"),
	})
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodePaymentAmountMismatch))
}

func TestVerifyUnknownTransaction(t *testing.T) {
	svc := newService(t, newFakeBackend(), "")

	_, err := svc.Verify(context.Background(), common.Hash{}.Hex(), Expectation{})
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodePaymentNotFound))
}

func TestVerifyWrongContract(t *testing.T) {
	backend := newFakeBackend()
	svc := newService(t, backend, "")

	payerKey, payer := newKey(t)
	_, recipient := newKey(t)
	_, otherToken := newKey(t)

	hash := backend.addTransfer(t, payerKey, otherToken, recipient, big.NewInt(10_000_000))

	ok, err := svc.Verify(context.Background(), hash.Hex(), Expectation{
		From: payer.Hex(), To: recipient.Hex(), Amount: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyNonTransferCalldata(t *testing.T) {
	backend := newFakeBackend()
	svc := newService(t, backend, "")

	payerKey, payer := newKey(t)
	_, recipient := newKey(t)

	tx := etypes.NewTransaction(0, svc.token, big.NewInt(0), 60_000, big.NewInt(1), []byte{0xde, 0xad, 0xbe, 0xef})
	signed, err := etypes.SignTx(tx, etypes.LatestSignerForChainID(testChainID), payerKey)
	require.NoError(t, err)
	backend.txs[signed.Hash()] = signed

	ok, err := svc.Verify(context.Background(), signed.Hash().Hex(), Expectation{
		From: payer.Hex(), To: recipient.Hex(), Amount: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRevertedTransaction(t *testing.T) {
	backend := newFakeBackend()
	svc := newService(t, backend, "")

	payerKey, payer := newKey(t)
	_, recipient := newKey(t)

	hash := backend.addTransfer(t, payerKey, svc.token, recipient, big.NewInt(10_000_000))
	backend.receipts[hash] = &etypes.Receipt{Status: etypes.ReceiptStatusFailed, BlockNumber: big.NewInt(95)}

	ok, err := svc.Verify(context.Background(), hash.Hex(), Expectation{
		From: payer.Hex(), To: recipient.Hex(), Amount: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendBroadcastsTransfer(t *testing.T) {
	backend := newFakeBackend()

	key, from := newKey(t)
	keyHex := common.Bytes2Hex(crypto.FromECDSA(key))
	svc := newService(t, backend, keyHex)

	backend.balances[from] = big.NewInt(100_000_000)

	_, recipient := newKey(t)
	txHash, err := svc.Send(context.Background(), recipient.Hex(), decimal.RequireFromString("12.5"))
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	sent := backend.sent[0]
	assert.Equal(t, txHash, sent.Hash().Hex())
	assert.Equal(t, svc.token, *sent.To())

	gotRecipient, gotUnits, ok := decodeTransfer(sent.Data())
	require.True(t, ok)
	assert.Equal(t, recipient, gotRecipient)
	assert.Equal(t, big.NewInt(12_500_000), gotUnits)

	// The broadcast transfer verifies against its own expectation.
	verified, err := svc.Verify(context.Background(), txHash, Expectation{
		From: from.Hex(), To: recipient.Hex(), Amount: decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestSendInsufficientBalance(t *testing.T) {
	backend := newFakeBackend()

	key, from := newKey(t)
	svc := newService(t, backend, common.Bytes2Hex(crypto.FromECDSA(key)))
	backend.balances[from] = big.NewInt(1_000_000)

	_, recipient := newKey(t)
	_, err := svc.Send(context.Background(), recipient.Hex(), decimal.RequireFromString("50"))
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodeInsufficientBalance))
	assert.Empty(t, backend.sent)
}

func TestSendRejectsExcessPrecision(t *testing.T) {
	backend := newFakeBackend()
	key, from := newKey(t)
	svc := newService(t, backend, common.Bytes2Hex(crypto.FromECDSA(key)))
	backend.balances[from] = big.NewInt(100_000_000)

	_, recipient := newKey(t)
	_, err := svc.Send(context.Background(), recipient.Hex(), decimal.RequireFromString("1.0000001"))
	assert.Error(t, err)
	assert.Empty(t, backend.sent)
}

func TestSendWithoutKey(t *testing.T) {
	svc := newService(t, newFakeBackend(), "")
	_, recipient := newKey(t)
	_, err := svc.Send(context.Background(), recipient.Hex(), decimal.RequireFromString("1"))
	assert.Error(t, err)
}

func TestGetBalance(t *testing.T) {
	backend := newFakeBackend()
	svc := newService(t, backend, "")

	_, holder := newKey(t)
	backend.balances[holder] = big.NewInt(12_345_678)

	balance, err := svc.GetBalance(context.Background(), holder.Hex())
	require.NoError(t, err)
	assert.Equal(t, "12.345678", balance.String())

	_, empty := newKey(t)
	balance, err = svc.GetBalance(context.Background(), empty.Hex())
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestGetTransactionStatus(t *testing.T) {
	backend := newFakeBackend()
	svc := newService(t, backend, "")

	payerKey, _ := newKey(t)
	_, recipient := newKey(t)

	mined := backend.addTransfer(t, payerKey, svc.token, recipient, big.NewInt(1))
	status, err := svc.GetTransactionStatus(context.Background(), mined.Hex())
	require.NoError(t, err)
	assert.Equal(t, TxSuccess, status.Status)
	assert.Equal(t, uint64(95), status.BlockNumber)
	assert.Equal(t, uint64(6), status.Confirmations)

	backend.receipts[mined] = &etypes.Receipt{Status: etypes.ReceiptStatusFailed, BlockNumber: big.NewInt(95)}
	status, err = svc.GetTransactionStatus(context.Background(), mined.Hex())
	require.NoError(t, err)
	assert.Equal(t, TxFailed, status.Status)

	backend.pending[mined] = true
	status, err = svc.GetTransactionStatus(context.Background(), mined.Hex())
	require.NoError(t, err)
	assert.Equal(t, TxPending, status.Status)

	_, err = svc.GetTransactionStatus(context.Background(), common.Hash{}.Hex())
	assert.True(t, ivxp.IsCode(err, ivxp.ErrCodePaymentNotFound))
}
