package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// Entry is one sealed record of the chain. Hash covers every other field
// except Unverified, and PrevHash links it to the entry with Seq-1.
type Entry struct {
	Seq       int64           `json:"seq"`
	ReceiptID string          `json:"receipt_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"created_at"`

	// Unverified is set on entries served from the local fallback. It is
	// never part of the hash.
	Unverified bool `json:"unverified,omitempty"`
}

// Receipt is what callers keep after an append.
type Receipt struct {
	ID         string `json:"receipt_id"`
	Seq        int64  `json:"seq"`
	Unverified bool   `json:"unverified,omitempty"`
}

// genesisHash is the PrevHash of the first entry.
const genesisHash = ""

// entryDomainKey separates ledger hashes from any other BLAKE3 use of the
// same bytes. Changing it invalidates every stored chain.
var entryDomainKey = newDomainKey("workstation-guard.ledger.entry")

func newDomainKey(name string) [32]byte {
	var k [32]byte
	copy(k[:], name)
	return k
}

// computeHash returns the hex BLAKE3 keyed hash of e's sealed fields.
// Every variable-length field is length-prefixed so no two distinct
// entries share an encoding.
func computeHash(e Entry) string {
	h, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		// Only returned for a key of the wrong length.
		panic("ledger: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var num [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(num[:], uint64(len(b)))
		_, _ = h.Write(num[:])
		_, _ = h.Write(b)
	}

	binary.BigEndian.PutUint64(num[:], uint64(e.Seq))
	_, _ = h.Write(num[:])
	writeField([]byte(e.PrevHash))
	writeField([]byte(e.ReceiptID))
	writeField([]byte(e.Kind))
	writeField(e.Payload)
	binary.BigEndian.PutUint64(num[:], uint64(e.CreatedAt.UTC().UnixNano()))
	_, _ = h.Write(num[:])

	return hex.EncodeToString(h.Sum(nil))
}

// seal builds the entry that follows prev (nil for the first entry).
func seal(prev *Entry, receiptID, kind string, payload []byte, now time.Time) Entry {
	e := Entry{
		Seq:       1,
		ReceiptID: receiptID,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		PrevHash:  genesisHash,
		CreatedAt: now.UTC(),
	}
	if prev != nil {
		e.Seq = prev.Seq + 1
		e.PrevHash = prev.Hash
	}
	e.Hash = computeHash(e)
	return e
}

// intact reports whether e's hash matches its contents and, when prev is
// given, whether e links to it. prev must be nil only for Seq 1.
func intact(e Entry, prev *Entry) bool {
	if computeHash(e) != e.Hash {
		return false
	}
	if prev == nil {
		return e.Seq == 1 && e.PrevHash == genesisHash
	}
	return e.Seq == prev.Seq+1 && e.PrevHash == prev.Hash
}

func (e Entry) receipt() Receipt {
	return Receipt{ID: e.ReceiptID, Seq: e.Seq, Unverified: e.Unverified}
}
