package sigmatrade

import (
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxKind tags the origin shape of a normalized transaction.
type TxKind string

const (
	TxKindNative TxKind = "NATIVE"
	TxKindToken  TxKind = "TOKEN"
)

// TxSource names where a record was observed.
type TxSource string

const (
	TxSourceExplorer TxSource = "explorer"
	TxSourceNode     TxSource = "node"
)

// Transaction is the normalized record handed to the UI. Values are base
// units as decimal strings so nothing is lost above 2^53.
type Transaction struct {
	Hash          string   `json:"hash"`
	BlockNumber   uint64   `json:"blockNumber"`
	Timestamp     int64    `json:"timestamp"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Value         string   `json:"valueBaseUnits"`
	Kind          TxKind   `json:"kind"`
	TokenSymbol   string   `json:"tokenSymbol,omitempty"`
	TokenDecimals int      `json:"tokenDecimals,omitempty"`
	Failed        bool     `json:"failed,omitempty"`
	Source        TxSource `json:"source"`
}

// explorerNormalTx is one row of the explorer's txlist action.
type explorerNormalTx struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	IsError     string `json:"isError"`
}

func (tx explorerNormalTx) normalize() Transaction {
	return Transaction{
		Hash:        strings.ToLower(tx.Hash),
		BlockNumber: parseUintOrZero(tx.BlockNumber),
		Timestamp:   int64(parseUintOrZero(tx.TimeStamp)),
		From:        strings.ToLower(tx.From),
		To:          strings.ToLower(tx.To),
		Value:       decimalStringOrZero(tx.Value),
		Kind:        TxKindNative,
		Failed:      tx.IsError == "1",
		Source:      TxSourceExplorer,
	}
}

// explorerTokenTx is one row of the explorer's tokentx action.
type explorerTokenTx struct {
	Hash         string `json:"hash"`
	BlockNumber  string `json:"blockNumber"`
	TimeStamp    string `json:"timeStamp"`
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	TokenSymbol  string `json:"tokenSymbol"`
	TokenDecimal string `json:"tokenDecimal"`
}

func (tx explorerTokenTx) normalize() Transaction {
	decimals, _ := strconv.Atoi(strings.TrimSpace(tx.TokenDecimal))
	return Transaction{
		Hash:          strings.ToLower(tx.Hash),
		BlockNumber:   parseUintOrZero(tx.BlockNumber),
		Timestamp:     int64(parseUintOrZero(tx.TimeStamp)),
		From:          strings.ToLower(tx.From),
		To:            strings.ToLower(tx.To),
		Value:         decimalStringOrZero(tx.Value),
		Kind:          TxKindToken,
		TokenSymbol:   tx.TokenSymbol,
		TokenDecimals: decimals,
		Source:        TxSourceExplorer,
	}
}

// transferLog is an ERC-20 Transfer event as returned by eth_getLogs.
type transferLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

// blockClock estimates wall time of a block from the chain head, since logs
// carry no timestamp. The estimate drifts by a few seconds for recent blocks.
type blockClock struct {
	latest    uint64
	now       time.Time
	blockTime time.Duration
}

func (c blockClock) estimate(block uint64) int64 {
	if block >= c.latest {
		return c.now.Unix()
	}
	behind := time.Duration(c.latest-block) * c.blockTime
	return c.now.Add(-behind).Unix()
}

func (l transferLog) normalize(token TokenSpec, clock blockClock) (Transaction, bool) {
	if l.Removed || len(l.Topics) < 3 || l.TransactionHash == "" {
		return Transaction{}, false
	}
	block, err := parseHexUint(l.BlockNumber)
	if err != nil {
		return Transaction{}, false
	}
	return Transaction{
		Hash:          strings.ToLower(l.TransactionHash),
		BlockNumber:   block,
		Timestamp:     clock.estimate(block),
		From:          topicAddress(l.Topics[1]),
		To:            topicAddress(l.Topics[2]),
		Value:         hexWordToDecimal(l.Data),
		Kind:          TxKindToken,
		TokenSymbol:   token.Symbol,
		TokenDecimals: token.Decimals,
		Source:        TxSourceNode,
	}, true
}

func topicAddress(topic string) string {
	return strings.ToLower(common.BytesToAddress(common.FromHex(topic)).Hex())
}

// hexWordToDecimal converts an ABI word (possibly zero padded) to base-10.
func hexWordToDecimal(data string) string {
	return new(big.Int).SetBytes(common.FromHex(data)).String()
}

func decimalStringOrZero(value string) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return "0"
	}
	return n.String()
}

func parseUintOrZero(value string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// MergeTransactions deduplicates token transfers by hash over nodeTokens
// followed by explorerTokens (a later record replaces an earlier one in
// place), appends the native transactions and sorts the result by timestamp,
// newest first. The output depends only on the inputs, not on which source
// answered first.
func MergeTransactions(nodeTokens, explorerTokens, normals []Transaction) []Transaction {
	tokens := dedupeByHash(append(append(make([]Transaction, 0, len(nodeTokens)+len(explorerTokens)), nodeTokens...), explorerTokens...))
	merged := make([]Transaction, 0, len(tokens)+len(normals))
	merged = append(merged, tokens...)
	merged = append(merged, normals...)
	sortByTimestampDesc(merged)
	return merged
}

func dedupeByHash(records []Transaction) []Transaction {
	position := make(map[string]int, len(records))
	out := make([]Transaction, 0, len(records))
	for _, record := range records {
		if idx, ok := position[record.Hash]; ok {
			out[idx] = record
			continue
		}
		position[record.Hash] = len(out)
		out = append(out, record)
	}
	return out
}

func sortByTimestampDesc(records []Transaction) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp > records[j].Timestamp
	})
}

// appendUnique appends page to list, skipping records already present by
// hash and kind, and keeps the combined list newest first.
func appendUnique(list, page []Transaction) []Transaction {
	type recordKey struct {
		hash string
		kind TxKind
	}
	seen := make(map[recordKey]struct{}, len(list)+len(page))
	out := make([]Transaction, 0, len(list)+len(page))
	for _, group := range [][]Transaction{list, page} {
		for _, record := range group {
			key := recordKey{hash: record.Hash, kind: record.Kind}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, record)
		}
	}
	sortByTimestampDesc(out)
	return out
}
