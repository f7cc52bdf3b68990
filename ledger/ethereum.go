package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/apex/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthereumConfig configures the registry contract client
type EthereumConfig struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	GasLimit        uint64
	MaxGasPriceGwei string
	StartBlock      uint64
}

// EthereumLedger anchors hashes in the PollutionRegistry contract
type EthereumLedger struct {
	client          *ethclient.Client
	chainID         *big.Int
	privateKey      *ecdsa.PrivateKey
	fromAddress     ethcommon.Address
	contractAddress ethcommon.Address
	abi             abi.ABI
	contract        *bind.BoundContract
	eventID         ethcommon.Hash
	gasLimit        uint64
	maxGasPrice     *big.Int
	startBlock      uint64

	// Serialises nonce selection and submission.
	sendMu sync.Mutex
}

func NewEthereumLedger(ctx context.Context, cfg EthereumConfig) (*EthereumLedger, error) {
	l := &EthereumLedger{
		gasLimit:   cfg.GasLimit,
		startBlock: cfg.StartBlock,
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("error creating ethclient with the network url %s: %w", cfg.RPCURL, err)
	}
	l.client = client

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error getting chain ID: %w", err)
	}
	l.chainID = chainID

	if len(cfg.PrivateKey) == 0 {
		client.Close()
		return nil, fmt.Errorf("the ETH_PRIVATE_KEY param isn't specified")
	}
	l.privateKey, err = crypto.HexToECDSA(trimHexPrefix(cfg.PrivateKey))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error converting private key: %w", err)
	}
	publicKeyECDSA, ok := l.privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		client.Close()
		return nil, fmt.Errorf("error creating ECDSA public key")
	}
	l.fromAddress = crypto.PubkeyToAddress(*publicKeyECDSA)

	if !ethcommon.IsHexAddress(cfg.ContractAddress) {
		client.Close()
		return nil, fmt.Errorf("invalid registry contract address %q", cfg.ContractAddress)
	}
	l.contractAddress = ethcommon.HexToAddress(cfg.ContractAddress)

	l.abi, err = ParseRegistryABI()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error parsing registry ABI: %w", err)
	}
	l.contract = bind.NewBoundContract(l.contractAddress, l.abi, client, client, client)
	l.eventID = l.abi.Events[eventReportLogged].ID

	if cfg.MaxGasPriceGwei != "" {
		l.maxGasPrice, err = GweiToWei(cfg.MaxGasPriceGwei)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	log.Infof("Ethereum ledger initialized, chain ID: %v, registry: %v, sender: %v, max gas price: %s gwei",
		l.chainID, l.contractAddress, l.fromAddress, WeiToGwei(l.maxGasPrice))
	return l, nil
}

// Close releases the RPC connection
func (l *EthereumLedger) Close() {
	l.client.Close()
}

// Send submits logReport(hash) and returns the transaction hash without
// waiting for it to be mined.
func (l *EthereumLedger) Send(ctx context.Context, hash string) (string, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return "", err
	}

	tx, err := l.send(ctx, h)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"hash": hash, "tx": tx.Hash().Hex()}).Info("Anchor transaction sent")
	return tx.Hash().Hex(), nil
}

// Await waits for the transaction ref to be mined and checks its receipt.
func (l *EthereumLedger) Await(ctx context.Context, ref string) error {
	tx, _, err := l.client.TransactionByHash(ctx, ethcommon.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: tx %s", ErrNotFound, ref)
	}
	if err != nil {
		return fmt.Errorf("get transaction %s: %w", ref, err)
	}

	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return fmt.Errorf("waiting for transaction %s: %w", ref, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: tx %s", ErrReverted, ref)
	}
	return nil
}

// State looks the transaction ref up without waiting.
func (l *EthereumLedger) State(ctx context.Context, ref string) (WriteState, error) {
	return txState(ctx, l.client, ethcommon.HexToHash(ref))
}

type txReader interface {
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error)
}

// txState maps a receipt, or the lack of one, to a WriteState. A mined
// transaction whose receipt is not served yet counts as pending.
func txState(ctx context.Context, r txReader, h ethcommon.Hash) (WriteState, error) {
	receipt, err := r.TransactionReceipt(ctx, h)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return WriteConfirmed, nil
		}
		return WriteReverted, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", fmt.Errorf("get receipt %s: %w", h.Hex(), err)
	}

	_, _, err = r.TransactionByHash(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return WriteUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("get transaction %s: %w", h.Hex(), err)
	}
	return WritePending, nil
}

func (l *EthereumLedger) send(ctx context.Context, h [32]byte) (*types.Transaction, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, l.fromAddress)
	if err != nil {
		return nil, fmt.Errorf("error getting pending nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting gas price: %w", err)
	}
	gasPrice = capGasPrice(gasPrice, l.maxGasPrice)

	auth, err := bind.NewKeyedTransactorWithChainID(l.privateKey, l.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.Value = big.NewInt(0)
	auth.GasLimit = l.gasLimit
	auth.GasPrice = gasPrice

	tx, err := l.contract.Transact(auth, methodLogReport, h)
	if err != nil {
		return nil, fmt.Errorf("call contract logReport: %w", err)
	}
	return tx, nil
}

// Exists calls reportHashExists(hash).
func (l *EthereumLedger) Exists(ctx context.Context, hash string) (bool, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return false, err
	}
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodReportHashExists, h); err != nil {
		return false, fmt.Errorf("call contract reportHashExists: %w", err)
	}
	if len(out) == 0 {
		return false, fmt.Errorf("reportHashExists returned no values")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Locate finds the transaction that emitted ReportLogged for hash.
func (l *EthereumLedger) Locate(ctx context.Context, hash string) (string, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return "", err
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.startBlock),
		Addresses: []ethcommon.Address{l.contractAddress},
		Topics:    [][]ethcommon.Hash{{l.eventID}, nil, {ethcommon.Hash(h)}},
	}
	logs, err := l.client.FilterLogs(ctx, query)
	if err != nil {
		return "", fmt.Errorf("filter ReportLogged logs: %w", err)
	}
	for _, lg := range logs {
		if !lg.Removed {
			return lg.TxHash.Hex(), nil
		}
	}
	return "", ErrNotFound
}

// Verify checks that ref is a successful transaction carrying a
// ReportLogged event of the registry.
func (l *EthereumLedger) Verify(ctx context.Context, ref string) (bool, error) {
	receipt, err := l.client.TransactionReceipt(ctx, ethcommon.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get receipt %s: %w", ref, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}
	return l.hasRegistryEvent(receipt.Logs), nil
}

func (l *EthereumLedger) hasRegistryEvent(logs []*types.Log) bool {
	for _, lg := range logs {
		if lg.Address == l.contractAddress && len(lg.Topics) > 0 && lg.Topics[0] == l.eventID {
			return true
		}
	}
	return false
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
