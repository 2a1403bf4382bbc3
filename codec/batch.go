// Package codec implements the compact wire encoding settlers use for
// settlement batches. Within a session the first reference to an account or
// key carries the full 20- or 32-byte identity; later references are 4-byte
// back-references into the session table, shrinking repeated submissions.
//
// The encoding is strictly a transport concern: decoding yields exactly the
// plain parameter arrays the ledger accepts, and the ledger never sees the
// encoded form.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"liqmatrix/chronicle"
)

const (
	refFresh = 0x00
	refBack  = 0x01
)

// ErrMalformedReference indicates a reference entry that is truncated or
// carries an unknown flag.
var ErrMalformedReference = errors.New("codec: malformed reference")

// ErrUnknownBackReference indicates a back-reference index beyond the session
// table.
var ErrUnknownBackReference = errors.New("codec: unknown back-reference")

type accountTable struct {
	index map[common.Address]uint32
	list  []common.Address
}

func newAccountTable() accountTable {
	return accountTable{index: make(map[common.Address]uint32)}
}

func (t *accountTable) encode(account common.Address) []byte {
	if idx, ok := t.index[account]; ok {
		out := make([]byte, 5)
		out[0] = refBack
		binary.BigEndian.PutUint32(out[1:], idx)
		return out
	}
	t.index[account] = uint32(len(t.list))
	t.list = append(t.list, account)
	return append([]byte{refFresh}, account.Bytes()...)
}

func (t *accountTable) decode(ref []byte) (common.Address, error) {
	if len(ref) == 0 {
		return common.Address{}, ErrMalformedReference
	}
	switch ref[0] {
	case refFresh:
		if len(ref) != 1+common.AddressLength {
			return common.Address{}, ErrMalformedReference
		}
		account := common.BytesToAddress(ref[1:])
		t.index[account] = uint32(len(t.list))
		t.list = append(t.list, account)
		return account, nil
	case refBack:
		if len(ref) != 5 {
			return common.Address{}, ErrMalformedReference
		}
		idx := binary.BigEndian.Uint32(ref[1:])
		if idx >= uint32(len(t.list)) {
			return common.Address{}, fmt.Errorf("%w: account %d", ErrUnknownBackReference, idx)
		}
		return t.list[idx], nil
	default:
		return common.Address{}, ErrMalformedReference
	}
}

type keyTable struct {
	index map[common.Hash]uint32
	list  []common.Hash
}

func newKeyTable() keyTable {
	return keyTable{index: make(map[common.Hash]uint32)}
}

func (t *keyTable) encode(key common.Hash) []byte {
	if idx, ok := t.index[key]; ok {
		out := make([]byte, 5)
		out[0] = refBack
		binary.BigEndian.PutUint32(out[1:], idx)
		return out
	}
	t.index[key] = uint32(len(t.list))
	t.list = append(t.list, key)
	return append([]byte{refFresh}, key.Bytes()...)
}

func (t *keyTable) decode(ref []byte) (common.Hash, error) {
	if len(ref) == 0 {
		return common.Hash{}, ErrMalformedReference
	}
	switch ref[0] {
	case refFresh:
		if len(ref) != 1+common.HashLength {
			return common.Hash{}, ErrMalformedReference
		}
		key := common.BytesToHash(ref[1:])
		t.index[key] = uint32(len(t.list))
		t.list = append(t.list, key)
		return key, nil
	case refBack:
		if len(ref) != 5 {
			return common.Hash{}, ErrMalformedReference
		}
		idx := binary.BigEndian.Uint32(ref[1:])
		if idx >= uint32(len(t.list)) {
			return common.Hash{}, fmt.Errorf("%w: key %d", ErrUnknownBackReference, idx)
		}
		return t.list[idx], nil
	default:
		return common.Hash{}, ErrMalformedReference
	}
}

// Signed amounts travel as decimal strings inside the RLP envelope.
type liquidityEnvelope struct {
	Timestamp  uint64
	Accounts   [][]byte
	Liquidity  []string
	IsContract []byte
	Total      string
	Root       common.Hash
	Proof      []common.Hash
}

type dataEnvelope struct {
	Timestamp uint64
	Keys      [][]byte
	Values    [][]byte
	Root      common.Hash
	Proof     []common.Hash
}

// Encoder compacts batches for one (app, remote chain) session. Encoder and
// the receiving Decoder must see the same batches in the same order for the
// session tables to line up.
type Encoder struct {
	accounts accountTable
	keys     keyTable
}

// NewEncoder starts a fresh encoding session.
func NewEncoder() *Encoder {
	return &Encoder{accounts: newAccountTable(), keys: newKeyTable()}
}

// EncodeLiquidity serialises a liquidity batch, advancing the session table.
func (e *Encoder) EncodeLiquidity(params chronicle.SettleLiquidityParams) ([]byte, error) {
	if len(params.Accounts) != len(params.Liquidity) || len(params.Accounts) != len(params.IsContract) {
		return nil, chronicle.ErrInvalidArrayLengths
	}
	env := liquidityEnvelope{
		Timestamp:  params.Timestamp,
		Accounts:   make([][]byte, len(params.Accounts)),
		Liquidity:  make([]string, len(params.Liquidity)),
		IsContract: make([]byte, len(params.IsContract)),
		Root:       params.LiquidityRoot,
		Proof:      params.Proof,
	}
	for i, account := range params.Accounts {
		env.Accounts[i] = e.accounts.encode(account)
		amount := params.Liquidity[i]
		if amount == nil {
			amount = big.NewInt(0)
		}
		env.Liquidity[i] = amount.String()
		if params.IsContract[i] {
			env.IsContract[i] = 1
		}
	}
	total := params.TotalLiquidity
	if total == nil {
		total = big.NewInt(0)
	}
	env.Total = total.String()
	return rlp.EncodeToBytes(env)
}

// EncodeData serialises a data batch, advancing the session table.
func (e *Encoder) EncodeData(params chronicle.SettleDataParams) ([]byte, error) {
	if len(params.Keys) != len(params.Values) {
		return nil, chronicle.ErrInvalidArrayLengths
	}
	env := dataEnvelope{
		Timestamp: params.Timestamp,
		Keys:      make([][]byte, len(params.Keys)),
		Values:    params.Values,
		Root:      params.DataRoot,
		Proof:     params.Proof,
	}
	for i, key := range params.Keys {
		env.Keys[i] = e.keys.encode(key)
	}
	return rlp.EncodeToBytes(env)
}

// Decoder is the receiving end of an encoding session.
type Decoder struct {
	accounts accountTable
	keys     keyTable
}

// NewDecoder starts a fresh decoding session.
func NewDecoder() *Decoder {
	return &Decoder{accounts: newAccountTable(), keys: newKeyTable()}
}

// DecodeLiquidity parses a liquidity batch, advancing the session table.
func (d *Decoder) DecodeLiquidity(encoded []byte) (chronicle.SettleLiquidityParams, error) {
	var env liquidityEnvelope
	if err := rlp.DecodeBytes(encoded, &env); err != nil {
		return chronicle.SettleLiquidityParams{}, err
	}
	if len(env.Accounts) != len(env.Liquidity) || len(env.Accounts) != len(env.IsContract) {
		return chronicle.SettleLiquidityParams{}, chronicle.ErrInvalidArrayLengths
	}
	params := chronicle.SettleLiquidityParams{
		Timestamp:     env.Timestamp,
		Accounts:      make([]common.Address, len(env.Accounts)),
		Liquidity:     make([]*big.Int, len(env.Liquidity)),
		IsContract:    make([]bool, len(env.IsContract)),
		LiquidityRoot: env.Root,
		Proof:         env.Proof,
	}
	for i, ref := range env.Accounts {
		account, err := d.accounts.decode(ref)
		if err != nil {
			return chronicle.SettleLiquidityParams{}, err
		}
		params.Accounts[i] = account
		amount, ok := new(big.Int).SetString(strings.TrimSpace(env.Liquidity[i]), 10)
		if !ok {
			return chronicle.SettleLiquidityParams{}, fmt.Errorf("codec: invalid amount %q", env.Liquidity[i])
		}
		params.Liquidity[i] = amount
		params.IsContract[i] = env.IsContract[i] != 0
	}
	total, ok := new(big.Int).SetString(strings.TrimSpace(env.Total), 10)
	if !ok {
		return chronicle.SettleLiquidityParams{}, fmt.Errorf("codec: invalid total %q", env.Total)
	}
	params.TotalLiquidity = total
	return params, nil
}

// DecodeData parses a data batch, advancing the session table.
func (d *Decoder) DecodeData(encoded []byte) (chronicle.SettleDataParams, error) {
	var env dataEnvelope
	if err := rlp.DecodeBytes(encoded, &env); err != nil {
		return chronicle.SettleDataParams{}, err
	}
	if len(env.Keys) != len(env.Values) {
		return chronicle.SettleDataParams{}, chronicle.ErrInvalidArrayLengths
	}
	params := chronicle.SettleDataParams{
		Timestamp: env.Timestamp,
		Keys:      make([]common.Hash, len(env.Keys)),
		Values:    env.Values,
		DataRoot:  env.Root,
		Proof:     env.Proof,
	}
	for i, ref := range env.Keys {
		key, err := d.keys.decode(ref)
		if err != nil {
			return chronicle.SettleDataParams{}, err
		}
		params.Keys[i] = key
	}
	return params, nil
}
