package journal

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// Entry is one pre-image in the journal: the value (container, key) held
// before a transaction touched it, or the fact that the key did not exist.
type Entry struct {
	TxnID     string `json:"txn_id"`
	Container string `json:"container"`
	Key       string `json:"key"`
	OldValue  []byte `json:"-"`
	Existed   bool   `json:"existed"`
	Sequence  int    `json:"sequence"`
}

// entryRecord is the persisted form. The pre-image travels snappy-compressed
// with an XXH3 checksum of the uncompressed bytes; a mismatch on read means
// the journal itself is damaged and the entry must not be replayed.
type entryRecord struct {
	TxnID      string `json:"txn_id"`
	Container  string `json:"container"`
	Key        string `json:"key"`
	Compressed []byte `json:"old_value,omitempty"`
	Checksum   uint64 `json:"checksum"`
	Existed    bool   `json:"existed"`
	Sequence   int    `json:"sequence"`
}

// storeKey orders entries of a transaction by sequence under a txn prefix.
func (e Entry) storeKey() string {
	return fmt.Sprintf("%s/%08d", e.TxnID, e.Sequence)
}

func (e Entry) encode() ([]byte, error) {
	rec := entryRecord{
		TxnID:     e.TxnID,
		Container: e.Container,
		Key:       e.Key,
		Existed:   e.Existed,
		Sequence:  e.Sequence,
	}
	if e.Existed {
		rec.Compressed = snappy.Encode(nil, e.OldValue)
		rec.Checksum = xxh3.Hash(e.OldValue)
	}
	return json.Marshal(rec)
}

func decodeEntry(raw []byte) (Entry, error) {
	var rec entryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	e := Entry{
		TxnID:     rec.TxnID,
		Container: rec.Container,
		Key:       rec.Key,
		Existed:   rec.Existed,
		Sequence:  rec.Sequence,
	}
	if rec.Existed {
		old, err := snappy.Decode(nil, rec.Compressed)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
		if xxh3.Hash(old) != rec.Checksum {
			return Entry{}, fmt.Errorf("%w: %s/%s", ErrChecksumMismatch, rec.Container, rec.Key)
		}
		e.OldValue = old
	}
	return e, nil
}

func newTxnID() string {
	return uuid.NewString()
}
