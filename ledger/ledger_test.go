package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestParseHash(t *testing.T) {
	testCases := []struct {
		name        string
		hash        string
		expectError bool
	}{
		{"Plain hex", testHash, false},
		{"Prefixed upper case", "0x" + strings.ToUpper(testHash), false},
		{"Too short", testHash[:62], true},
		{"Not hex", strings.Repeat("z", 64), true},
	}

	for _, testCase := range testCases {
		h, err := ParseHash(testCase.hash)
		if testCase.expectError {
			assert.ErrorIs(t, err, ErrInvalidHash, testCase.name)
			continue
		}
		require.NoError(t, err, testCase.name)
		assert.Equal(t, byte(0x9f), h[0], testCase.name)
		assert.Equal(t, byte(0x08), h[31], testCase.name)
	}
}

func TestRegistryABI(t *testing.T) {
	parsed, err := ParseRegistryABI()
	require.NoError(t, err)

	logReport, ok := parsed.Methods[methodLogReport]
	require.True(t, ok)
	assert.Len(t, logReport.Inputs, 1)
	assert.Equal(t, "bytes32", logReport.Inputs[0].Type.String())

	exists, ok := parsed.Methods[methodReportHashExists]
	require.True(t, ok)
	assert.True(t, exists.IsConstant())
	assert.Len(t, exists.Outputs, 2)

	event, ok := parsed.Events[eventReportLogged]
	require.True(t, ok)
	assert.Equal(t, "ReportLogged(uint256,bytes32,address,uint256)", event.Sig)

	h, err := ParseHash(testHash)
	require.NoError(t, err)
	packed, err := parsed.Pack(methodLogReport, h)
	require.NoError(t, err)
	assert.Len(t, packed, 4+32)
}

func TestGweiToWei(t *testing.T) {
	testCases := []struct {
		gwei        string
		wei         string
		expectError bool
	}{
		{"50", "50000000000", false},
		{"1.5", "1500000000", false},
		{"0.0000000019", "1", false},
		{"-1", "", true},
		{"fast", "", true},
	}
	for _, testCase := range testCases {
		wei, err := GweiToWei(testCase.gwei)
		if testCase.expectError {
			assert.Error(t, err, testCase.gwei)
			continue
		}
		require.NoError(t, err, testCase.gwei)
		assert.Equal(t, testCase.wei, wei.String(), testCase.gwei)
	}

	assert.Equal(t, "1.5", WeiToGwei(big.NewInt(1500000000)))
	assert.Equal(t, "0", WeiToGwei(nil))
}

func TestCapGasPrice(t *testing.T) {
	max := big.NewInt(100)
	assert.Equal(t, int64(80), capGasPrice(big.NewInt(80), max).Int64())
	assert.Equal(t, int64(100), capGasPrice(big.NewInt(130), max).Int64())
	assert.Equal(t, int64(130), capGasPrice(big.NewInt(130), nil).Int64())
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	exists, err := l.Exists(ctx, testHash)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = l.Locate(ctx, testHash)
	assert.ErrorIs(t, err, ErrNotFound)

	ref, err := l.Send(ctx, testHash)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "0x"))
	require.NoError(t, l.Await(ctx, ref))

	state, err := l.State(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, WriteConfirmed, state)

	again, err := l.Send(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, l.Writes())
	assert.Equal(t, 2, l.SendCalls())

	located, err := l.Locate(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, ref, located)

	ok, err := l.Verify(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Verify(ctx, "0xdeadbeef")
	require.NoError(t, err)
	assert.False(t, ok)

	state, err = l.State(ctx, "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, WriteUnknown, state)
	assert.ErrorIs(t, l.Await(ctx, "0xdeadbeef"), ErrNotFound)
}

func TestMemoryLedgerAwaitTimesOutWhilePending(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.HoldConfirmations(true)

	ref, err := l.Send(ctx, testHash)
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = l.Await(wctx, ref)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	state, err := l.State(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, WritePending, state, "a timed out wait leaves the write in flight")
	exists, err := l.Exists(ctx, testHash)
	require.NoError(t, err)
	assert.False(t, exists, "a pending write is not visible to Exists")

	done := make(chan error, 1)
	go func() { done <- l.Await(ctx, ref) }()
	l.HoldConfirmations(false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after the write was confirmed")
	}

	state, _ = l.State(ctx, ref)
	assert.Equal(t, WriteConfirmed, state)
	assert.Equal(t, 1, l.Writes())
}

func TestMemoryLedgerFailures(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	l.FailNextSends(2)
	for i := 0; i < 2; i++ {
		_, err := l.Send(ctx, testHash)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, 0, l.Writes())

	l.DropNextAcks(1)
	_, err := l.Send(ctx, testHash)
	assert.ErrorIs(t, err, ErrUnavailable)
	exists, err := l.Exists(ctx, testHash)
	require.NoError(t, err)
	assert.True(t, exists, "a dropped acknowledgement still writes the hash")

	l.SetLatency(time.Second)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.Send(cctx, testHash)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = l.Send(ctx, "not-a-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

type fakeTxReader struct {
	receipt    *types.Receipt
	receiptErr error
	txErr      error
}

func (f *fakeTxReader) TransactionReceipt(ctx context.Context, h ethcommon.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeTxReader) TransactionByHash(ctx context.Context, h ethcommon.Hash) (*types.Transaction, bool, error) {
	if f.txErr != nil {
		return nil, false, f.txErr
	}
	return &types.Transaction{}, true, nil
}

func TestTxState(t *testing.T) {
	testCases := []struct {
		name        string
		reader      *fakeTxReader
		expected    WriteState
		expectError bool
	}{
		{"Mined successfully", &fakeTxReader{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}, WriteConfirmed, false},
		{"Mined and reverted", &fakeTxReader{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}, WriteReverted, false},
		{"Sent but not mined", &fakeTxReader{receiptErr: ethereum.NotFound}, WritePending, false},
		{"Dropped from the pool", &fakeTxReader{receiptErr: ethereum.NotFound, txErr: ethereum.NotFound}, WriteUnknown, false},
		{"Receipt lookup failed", &fakeTxReader{receiptErr: errors.New("rpc timeout")}, "", true},
		{"Transaction lookup failed", &fakeTxReader{receiptErr: ethereum.NotFound, txErr: errors.New("rpc timeout")}, "", true},
	}

	for _, testCase := range testCases {
		state, err := txState(context.Background(), testCase.reader, ethcommon.HexToHash("0x01"))
		if testCase.expectError {
			assert.Error(t, err, testCase.name)
			continue
		}
		require.NoError(t, err, testCase.name)
		assert.Equal(t, testCase.expected, state, testCase.name)
	}
}
