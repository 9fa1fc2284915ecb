package block

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	dbftio "github.com/duoprime/dbft/pkg/io"
	"github.com/duoprime/dbft/pkg/keys"
)

// EncodeBinary writes the signable portion of the header (everything but the
// witness) in canonical form.
func (h *Header) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteU32LE(h.Index)
	w.WriteB(h.PrimaryIndex)
	w.WriteU64LE(h.Timestamp)
	w.WriteU64LE(h.Nonce)
	w.WriteBytes(h.PrevHash[:])
	w.WriteBytes(h.MerkleRoot[:])
	w.WriteBytes(h.NextConsensus[:])
}

// DecodeBinary reads the signable portion of the header written by
// EncodeBinary.
func (h *Header) DecodeBinary(r *dbftio.BinReader) {
	h.Index = r.ReadU32LE()
	h.PrimaryIndex = r.ReadB()
	h.Timestamp = r.ReadU64LE()
	h.Nonce = r.ReadU64LE()
	r.ReadBytes(h.PrevHash[:])
	r.ReadBytes(h.MerkleRoot[:])
	r.ReadBytes(h.NextConsensus[:])
}

// Verify checks a validator's compact signature over the header's sign hash.
func (h *Header) Verify(pub *keys.PublicKey, sig [64]byte) error {
	digest := h.Hash()
	return pub.Verify(digest[:], sig[:])
}

func headerSignHash(h *Header) common.Hash {
	b, err := dbftio.ToByteArray(h)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(b)
}

// CalcMerkleRoot computes the Merkle tree root over a list of transaction
// hashes, mirroring the teacher's block.ComputeMerkleRoot.
func CalcMerkleRoot(hashes []common.Hash) common.Hash {
	if len(hashes) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]common.Hash, len(level)/2)
		for i := range next {
			next[i] = crypto.Keccak256Hash(level[2*i][:], level[2*i+1][:])
		}
		level = next
	}

	return level[0]
}
