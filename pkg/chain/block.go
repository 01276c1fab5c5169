package chain

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/handreceipt/handreceipt/pkg/chain/canon"
)

// encodeBlock/decodeBlock are the on-disk/on-wire representation of a
// sealed block, used by ChainStore implementations and the export-chain
// CLI. Plain JSON is sufficient here: integrity comes from the hash
// chain, not from the encoding format.
func encodeBlock(b *Block) ([]byte, error) { return json.Marshal(b) }

func decodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Block is one sealed page of the audit chain: a batch of events,
// hash-chained to the previous block via PrevHash, with a Merkle root
// over the events' leaf hashes so any single event's inclusion can be
// proven without revealing the rest of the block.
type Block struct {
	Index      uint64    `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	PrevHash   []byte    `json:"prev_hash"`
	MerkleRoot []byte    `json:"merkle_root"`
	LeafHashes [][]byte  `json:"leaf_hashes"`
	Events     []*Event  `json:"events"`
	Hash       []byte    `json:"hash"`
}

// GenesisPrevHash is the all-zero 64-byte hash used as the previous-hash
// of block 0.
func GenesisPrevHash() []byte {
	return make([]byte, HashSize)
}

// encodeEventForHashing produces the exact length-prefixed wire
// encoding used for hashing an event: id(16) || ts_i64_be(8) ||
// kind_u16_be(2) || len_u32_be||action_utf8 || len_u32_be||actor_bytes
// || len_u32_be||resource_bytes || len_u32_be||detail_bytes, where
// detail_bytes is canonical JSON (sorted keys, no whitespace).
func encodeEventForHashing(e *Event) ([]byte, error) {
	detail, err := canon.Marshal(e.Details)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 16+8+2+4+len(e.Action)+4+16+4+16+4+len(detail))

	idBytes, err := e.ID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf = append(buf, idBytes...)

	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(e.Timestamp.Unix()))
	buf = append(buf, tsBytes[:]...)

	var kindBytes [2]byte
	binary.BigEndian.PutUint16(kindBytes[:], uint16(e.Kind))
	buf = append(buf, kindBytes[:]...)

	buf = appendLenPrefixed(buf, []byte(e.Action))

	actorBytes, err := e.ActorID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf = appendLenPrefixed(buf, actorBytes)

	resourceBytes, err := e.ResourceID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf = appendLenPrefixed(buf, resourceBytes)

	buf = appendLenPrefixed(buf, detail)

	return buf, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(data)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, data...)
}

// sealBlock builds a Block from pending events at the given index,
// chained onto prevHash. An empty event list (the genesis block) yields
// a block whose Merkle root is the zero hash and whose block hash input
// carries no leaf hashes.
func sealBlock(index uint64, prevHash []byte, events []*Event, now time.Time) (*Block, error) {
	leaves := make([][]byte, len(events))
	for i, e := range events {
		h, err := hashEvent(e)
		if err != nil {
			return nil, err
		}
		leaves[i] = h
	}

	var root []byte
	if len(leaves) > 0 {
		tree, err := BuildMerkleTree(leaves)
		if err != nil {
			return nil, err
		}
		root = tree.Root()
	} else {
		root = make([]byte, HashSize)
	}

	b := &Block{
		Index:      index,
		Timestamp:  now,
		PrevHash:   append([]byte(nil), prevHash...),
		MerkleRoot: root,
		LeafHashes: leaves,
		Events:     events,
	}
	b.Hash = computeBlockHash(b)
	return b, nil
}

// computeBlockHash hashes H(index_u64_be || ts_i64_be || prev_hash ||
// H(event_1) || ... || H(event_n)): leaf hashes concatenated in order,
// not the Merkle root, which is carried separately for proof lookups.
func computeBlockHash(b *Block) []byte {
	size := 8 + 8 + len(b.PrevHash)
	for _, lh := range b.LeafHashes {
		size += len(lh)
	}
	buf := make([]byte, 0, size)

	var idxBytes [8]byte
	binary.BigEndian.PutUint64(idxBytes[:], b.Index)
	buf = append(buf, idxBytes[:]...)

	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(b.Timestamp.Unix()))
	buf = append(buf, tsBytes[:]...)

	buf = append(buf, b.PrevHash...)
	for _, lh := range b.LeafHashes {
		buf = append(buf, lh...)
	}

	h := sha512.Sum512(buf)
	return h[:]
}

// verifyBlockLink checks that b.Hash was computed correctly and that
// b.PrevHash matches the hash of the preceding block (or the genesis
// all-zero hash, for index 0).
func verifyBlockLink(b *Block, prev *Block) bool {
	expectedHash := computeBlockHash(b)
	if hex.EncodeToString(expectedHash) != hex.EncodeToString(b.Hash) {
		return false
	}

	var expectedPrevHash []byte
	if prev == nil {
		expectedPrevHash = GenesisPrevHash()
	} else {
		expectedPrevHash = prev.Hash
	}
	return hex.EncodeToString(expectedPrevHash) == hex.EncodeToString(b.PrevHash)
}
