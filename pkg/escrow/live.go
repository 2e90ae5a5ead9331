package escrow

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

//go:embed abi/escrow_abi.json
var escrowABIJSON string

const (
	txGasLimit     = 700_000
	confirmTimeout = 120 * time.Second
)

// LiveBackend signs and sends transactions against the configured node
// and waits for confirmation.
type LiveBackend struct {
	client   *ethclient.Client
	cfg      Config
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	address  common.Address

	// The nonce section is mutex-guarded so overlapping handlers never
	// reuse a nonce.
	signMu sync.Mutex
}

// DialLive connects the live backend.
func DialLive(cfg Config) (*LiveBackend, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("escrow: dial %s: %w", cfg.RPCURL, err)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return nil, fmt.Errorf("escrow: parse abi: %w", err)
	}

	b := &LiveBackend{
		client:   client,
		cfg:      cfg,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("escrow: invalid private key: %w", err)
		}
		b.key = key
		b.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return b, nil
}

func (b *LiveBackend) Close() error {
	b.client.Close()
	return nil
}

func (b *LiveBackend) DepositPool(ctx context.Context, amount *big.Int) (TxResult, error) {
	return b.sendTx(ctx, "depositPool", amount, amount)
}

func (b *LiveBackend) PostBond(ctx context.Context, agreementID string, amount *big.Int) (TxResult, error) {
	return b.sendTx(ctx, "postBond", amount, agreementID, amount)
}

func (b *LiveBackend) CommitEvidenceHash(ctx context.Context, agreementID, rootHash string) (TxResult, error) {
	return b.sendTx(ctx, "commitEvidenceHash", nil, agreementID, rootHash)
}

func (b *LiveBackend) FileDispute(ctx context.Context, agreementID string, p FileDisputeParams) (TxResult, error) {
	_ = agreementID // the dispute references the anchored root, not the agreement
	if p.Defendant == "" || common.HexToAddress(p.Defendant) == (common.Address{}) {
		return TxResult{}, fmt.Errorf("escrow: non-zero defendant required for live fileDispute")
	}
	stake := p.Stake
	if stake == nil {
		return TxResult{}, fmt.Errorf("escrow: stake required for live fileDispute")
	}
	evidence := p.PlaintiffEvidence
	if evidence == "" {
		evidence = "0x" + strings.Repeat("0", 64)
	}
	return b.sendTx(ctx, "fileDispute", stake, common.HexToAddress(p.Defendant), stake, evidence)
}

func (b *LiveBackend) SubmitRuling(ctx context.Context, disputeID int64, verdict map[string]any) (TxResult, error) {
	winner, err := WinnerFromVerdict(verdict)
	if err != nil {
		return TxResult{}, err
	}
	return b.sendTx(ctx, "submitRuling", nil, big.NewInt(disputeID), common.HexToAddress(winner))
}

func (b *LiveBackend) GetDispute(ctx context.Context, disputeID int64) (*Dispute, error) {
	data, err := b.abi.Pack("getDispute", big.NewInt(disputeID))
	if err != nil {
		return nil, fmt.Errorf("escrow: pack getDispute: %w", err)
	}
	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: call getDispute: %w", err)
	}
	values, err := b.abi.Unpack("getDispute", raw)
	if err != nil {
		return nil, fmt.Errorf("escrow: unpack getDispute: %w", err)
	}
	if len(values) < 10 {
		return nil, fmt.Errorf("escrow: unexpected getDispute shape (%d values)", len(values))
	}

	txID := values[0].(*big.Int).Int64()
	dispute := &Dispute{
		ID:                disputeID,
		TransactionID:     &txID,
		Plaintiff:         values[1].(common.Address).Hex(),
		Defendant:         values[2].(common.Address).Hex(),
		Stake:             values[3].(*big.Int),
		JudgeFee:          values[4].(*big.Int),
		Tier:              int(values[5].(uint8)),
		PlaintiffEvidence: values[6].(string),
		DefendantEvidence: values[7].(string),
		Resolved:          values[8].(bool),
		Winner:            values[9].(common.Address).Hex(),
	}
	return dispute, nil
}

func (b *LiveBackend) JudgeAddress(ctx context.Context) (string, error) {
	data, err := b.abi.Pack("judge")
	if err != nil {
		return "", fmt.Errorf("escrow: pack judge: %w", err)
	}
	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.contract, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("escrow: call judge: %w", err)
	}
	values, err := b.abi.Unpack("judge", raw)
	if err != nil {
		return "", fmt.Errorf("escrow: unpack judge: %w", err)
	}
	return values[0].(common.Address).Hex(), nil
}

func (b *LiveBackend) PollEvents(ctx context.Context, name string, fromBlock, toBlock int64) ([]Event, error) {
	event, ok := b.abi.Events[name]
	if !ok {
		return nil, nil
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{b.contract},
		FromBlock: big.NewInt(fromBlock),
		Topics:    [][]common.Hash{{event.ID}},
	}
	if toBlock != LatestBlock {
		query.ToBlock = big.NewInt(toBlock)
	}
	logs, err := b.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("escrow: filter %s logs: %w", name, err)
	}

	out := make([]Event, 0, len(logs))
	for _, lg := range logs {
		args := map[string]any{}
		if len(lg.Data) > 0 {
			if err := b.abi.UnpackIntoMap(args, name, lg.Data); err != nil {
				return nil, fmt.Errorf("escrow: unpack %s data: %w", name, err)
			}
		}
		var indexed []abi.Argument
		for _, input := range event.Inputs {
			if input.Indexed {
				indexed = append(indexed, input)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
				return nil, fmt.Errorf("escrow: parse %s topics: %w", name, err)
			}
		}
		normalizeArgs(args)
		out = append(out, Event{
			Name:        name,
			BlockNumber: int64(lg.BlockNumber),
			Index:       int64(lg.Index),
			TxHash:      lg.TxHash.Hex(),
			Args:        args,
		})
	}
	return out, nil
}

// Capabilities reports the contract surface from the loaded ABI:
// every method by name, plus the PayoutExecuted event flag.
func (b *LiveBackend) Capabilities() map[string]bool {
	caps := map[string]bool{}
	for name := range b.abi.Methods {
		caps[name] = true
	}
	caps["PayoutExecuted"] = false
	if _, ok := b.abi.Events[EventPayoutExecuted]; ok {
		caps["PayoutExecuted"] = true
	}
	return caps
}

func (b *LiveBackend) ContractSanity(ctx context.Context) Sanity {
	sanity := Sanity{
		DryRun:          false,
		ContractAddress: b.cfg.ContractAddress,
		ChainID:         b.cfg.ChainID,
	}
	if _, err := b.client.BlockNumber(ctx); err == nil {
		sanity.RPCReachable = true
	}
	if code, err := b.client.CodeAt(ctx, b.contract, nil); err == nil && len(code) > 0 {
		sanity.ContractHasCode = true
	}
	return sanity
}

func (b *LiveBackend) sendTx(ctx context.Context, method string, value *big.Int, args ...any) (TxResult, error) {
	if b.key == nil {
		return TxResult{}, fmt.Errorf("escrow: private key required for state-changing transactions")
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return TxResult{}, fmt.Errorf("escrow: pack %s: %w", method, err)
	}

	b.signMu.Lock()
	nonce, err := b.client.PendingNonceAt(ctx, b.address)
	if err != nil {
		b.signMu.Unlock()
		return TxResult{}, fmt.Errorf("escrow: nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		b.signMu.Unlock()
		return TxResult{}, fmt.Errorf("escrow: gas price: %w", err)
	}
	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTransaction(nonce, b.contract, value, txGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(b.cfg.ChainID)), b.key)
	if err != nil {
		b.signMu.Unlock()
		return TxResult{}, fmt.Errorf("escrow: sign %s: %w", method, err)
	}
	err = b.client.SendTransaction(ctx, signed)
	b.signMu.Unlock()
	if err != nil {
		return TxResult{}, fmt.Errorf("escrow: send %s: %w", method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, b.client, signed)
	if err != nil {
		return TxResult{}, fmt.Errorf("escrow: confirm %s: %w", method, err)
	}
	return TxResult{
		TxHash:      signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Int64(),
		Status:      int(receipt.Status),
	}, nil
}

// normalizeArgs folds go-ethereum types into the stable cross-backend
// arg schema: addresses to checksummed hex, big ints to their decimal
// form for amounts and int64 for ids.
func normalizeArgs(args map[string]any) {
	for key, value := range args {
		switch v := value.(type) {
		case common.Address:
			args[key] = v.Hex()
		case *big.Int:
			if v.IsInt64() {
				args[key] = v.Int64()
			} else {
				args[key] = v.String()
			}
		case common.Hash:
			args[key] = v.Hex()
		}
	}
}
