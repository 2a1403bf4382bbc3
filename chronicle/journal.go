package chronicle

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"liqmatrix/observability/metrics"
	"liqmatrix/storage"
)

// Journal persists every applied settlement so a remote chronicle can be
// rebuilt after a restart. Entries are appended after a batch passes all
// invariant checks and before hooks run, matching the rule that hook failures
// never undo committed ledger state.
//
// Entries are RLP encoded under per-chronicle key prefixes:
//
//	journal/<chronicle>/n       -> big-endian entry count
//	journal/<chronicle>/e/<idx> -> encoded entry
type Journal struct {
	db     storage.Database
	prefix []byte
}

const (
	journalKindLiquidity = uint8(1)
	journalKindData      = uint8(2)
)

type liquidityRecord struct {
	Timestamp uint64
	Accounts  []common.Address
	Liquidity []*big.Int
	Total     *big.Int
}

type dataRecord struct {
	Timestamp uint64
	Keys      []common.Hash
	Values    [][]byte
}

// Signed liquidity values are stored in decimal string form; RLP has no
// native signed integer encoding.
type journalEntry struct {
	Kind      uint8
	Timestamp uint64
	Accounts  []common.Address
	Liquidity []string
	Total     string
	Keys      []common.Hash
	Values    [][]byte
}

// NewJournal constructs a journal for the chronicle identified by address.
func NewJournal(db storage.Database, chronicle common.Address) *Journal {
	return &Journal{
		db:     db,
		prefix: []byte("journal/" + chronicle.Hex() + "/"),
	}
}

func (j *Journal) countKey() []byte {
	return append(append([]byte{}, j.prefix...), 'n')
}

func (j *Journal) entryKey(idx uint64) []byte {
	key := append(append([]byte{}, j.prefix...), 'e', '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], idx)
	return append(key, buf[:]...)
}

// Len returns the number of persisted entries.
func (j *Journal) Len() (uint64, error) {
	ok, err := j.db.Has(j.countKey())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	raw, err := j.db.Get(j.countKey())
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("chronicle: corrupt journal count")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (j *Journal) append(entry journalEntry) error {
	count, err := j.Len()
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	if err := j.db.Put(j.entryKey(count), encoded); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count+1)
	if err := j.db.Put(j.countKey(), buf[:]); err != nil {
		return err
	}
	metrics.Settlement().JournalAppend()
	return nil
}

// AppendLiquidity persists an applied liquidity settlement.
func (j *Journal) AppendLiquidity(rec liquidityRecord) error {
	amounts := make([]string, len(rec.Liquidity))
	for i, v := range rec.Liquidity {
		amounts[i] = bigOrZero(v).String()
	}
	return j.append(journalEntry{
		Kind:      journalKindLiquidity,
		Timestamp: rec.Timestamp,
		Accounts:  rec.Accounts,
		Liquidity: amounts,
		Total:     bigOrZero(rec.Total).String(),
	})
}

// AppendData persists an applied data settlement.
func (j *Journal) AppendData(rec dataRecord) error {
	return j.append(journalEntry{
		Kind:      journalKindData,
		Timestamp: rec.Timestamp,
		Keys:      rec.Keys,
		Values:    rec.Values,
	})
}

// ReplayInto re-applies every persisted settlement into the chronicle,
// rebuilding series, settled flags and cursors. Verification and hooks are
// skipped: journalled entries were already verified when first applied.
func (j *Journal) ReplayInto(c *RemoteChronicle) error {
	count, err := j.Len()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := uint64(0); idx < count; idx++ {
		raw, err := j.db.Get(j.entryKey(idx))
		if err != nil {
			return fmt.Errorf("chronicle: journal entry %d: %w", idx, err)
		}
		var entry journalEntry
		if err := rlp.DecodeBytes(raw, &entry); err != nil {
			return fmt.Errorf("chronicle: journal entry %d: %w", idx, err)
		}
		switch entry.Kind {
		case journalKindLiquidity:
			amounts := make([]*big.Int, len(entry.Liquidity))
			for i, s := range entry.Liquidity {
				v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
				if !ok {
					return fmt.Errorf("chronicle: journal entry %d: invalid amount %q", idx, s)
				}
				amounts[i] = v
			}
			total, ok := new(big.Int).SetString(strings.TrimSpace(entry.Total), 10)
			if !ok {
				return fmt.Errorf("chronicle: journal entry %d: invalid total %q", idx, entry.Total)
			}
			if len(entry.Accounts) != len(amounts) {
				return fmt.Errorf("chronicle: journal entry %d: length mismatch", idx)
			}
			c.applyLiquidity(entry.Timestamp, entry.Accounts, amounts, total)
			c.liquiditySettled[entry.Timestamp] = true
			if err := c.liquidityCursor.Append(entry.Timestamp); err != nil {
				return fmt.Errorf("chronicle: journal entry %d: %w", idx, err)
			}
		case journalKindData:
			if len(entry.Keys) != len(entry.Values) {
				return fmt.Errorf("chronicle: journal entry %d: length mismatch", idx)
			}
			c.applyData(entry.Timestamp, entry.Keys, entry.Values)
			c.dataSettled[entry.Timestamp] = true
			if err := c.dataCursor.Append(entry.Timestamp); err != nil {
				return fmt.Errorf("chronicle: journal entry %d: %w", idx, err)
			}
		default:
			return fmt.Errorf("chronicle: journal entry %d: unknown kind %d", idx, entry.Kind)
		}
		if c.liquiditySettled[entry.Timestamp] && c.dataSettled[entry.Timestamp] {
			if err := c.finalizedCursor.Append(entry.Timestamp); err != nil {
				return fmt.Errorf("chronicle: journal entry %d: %w", idx, err)
			}
		}
	}
	return nil
}
