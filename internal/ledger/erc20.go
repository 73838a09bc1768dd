package ledger

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
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"salesescrow/internal/escrow"
)

// erc20ABI covers the two calls the escrow needs.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var (
	ErrReadOnly       = errors.New("ledger: erc20 client is read-only")
	ErrForeignAccount = errors.New("ledger: transfer source is not the custody account")
	ErrTransferFailed = errors.New("ledger: transfer reverted")
)

// ERC20 custodies escrow funds in an ERC-20 token. The custody account is
// the address of the configured private key; every outbound transfer is
// signed by it.
type ERC20 struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	token     common.Address
	custody   common.Address
	transacts *bind.TransactOpts
	receipts  receiptReader
	poll      time.Duration
	log       *zap.SugaredLogger
}

var (
	_ escrow.TokenLedger = (*ERC20)(nil)
	_ escrow.Settler     = (*ERC20)(nil)
)

type ERC20Config struct {
	RPCURL        string
	PrivateKeyHex string
	TokenAddress  string
	ReceiptPoll   time.Duration
}

func NewERC20(ctx context.Context, cfg ERC20Config, log *zap.SugaredLogger) (*ERC20, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("token address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	l, err := newERC20(common.HexToAddress(cfg.TokenAddress), cli, cli, cli, log)
	if err != nil {
		return nil, err
	}
	l.client = cli
	l.custody = txOpts.From
	l.transacts = txOpts
	if cfg.ReceiptPoll > 0 {
		l.poll = cfg.ReceiptPoll
	}
	return l, nil
}

// newERC20 binds the token without a signer. Such a ledger can only read.
func newERC20(token common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, receipts receiptReader, log *zap.SugaredLogger) (*ERC20, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ERC20{
		contract: bind.NewBoundContract(token, parsedABI, caller, transactor, nil),
		abi:      parsedABI,
		token:    token,
		receipts: receipts,
		poll:     2 * time.Second,
		log:      log.Named("erc20"),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required for custody transfers")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Custody is the address holding the escrowed tokens.
func (c *ERC20) Custody() common.Address { return c.custody }

// Token is the ERC-20 contract address.
func (c *ERC20) Token() common.Address { return c.token }

func (c *ERC20) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected output length %d", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected output type %T", out[0])
	}
	return balance, nil
}

func (c *ERC20) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if c.transacts == nil {
		return ErrReadOnly
	}
	if from != c.custody {
		return fmt.Errorf("%w: %s", ErrForeignAccount, from.Hex())
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "transfer", to, amount)
	if err != nil {
		return fmt.Errorf("transfer tx: %w", err)
	}
	c.log.Infow("transfer submitted", "tx", tx.Hash().Hex(), "to", to.Hex(), "amount", amount.String())

	receipt, err := WaitForReceipt(ctx, c.receipts, tx, c.poll)
	if err != nil {
		return fmt.Errorf("await transfer %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTransferFailed, tx.Hash().Hex())
	}
	return nil
}

// Settle cannot be atomic across several token transfers, so it checks the
// whole split against the custody balance up front and then sends the legs
// in order. A failed leg is reported with its position; the engine keeps the
// settlement pending and pays only the missing legs on retry.
func (c *ERC20) Settle(ctx context.Context, from common.Address, payouts []escrow.Payout) error {
	if c.transacts == nil {
		return ErrReadOnly
	}
	balance, err := c.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	if total := escrow.TotalPaid(payouts); balance.Cmp(total) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, total)
	}
	for i, p := range payouts {
		if err := c.Transfer(ctx, from, p.To, p.Amount); err != nil {
			return fmt.Errorf("settle leg %d/%d (%s): %w", i+1, len(payouts), p.Role, err)
		}
	}
	return nil
}

func (c *ERC20) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *ERC20) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client receiptReader, tx *types.Transaction, every time.Duration) (*types.Receipt, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
