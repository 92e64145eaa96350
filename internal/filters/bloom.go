package filters

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
)

// BloomFilter is a probabilistic membership filter over index keys. A built
// tree stores one so point lookups can skip the page walk for absent keys.
type BloomFilter struct {
	bits     []uint64
	numBits  uint64
	numHash  uint32
	hashFunc hash.Hash64
}

// NewBloomFilter creates a filter sized for the given element count and
// target false positive rate.
func NewBloomFilter(numElements uint64, falsePositiveRate float64) *BloomFilter {
	if numElements == 0 {
		numElements = 1
	}

	// m = -n * ln(p) / (ln(2)^2), rounded up to whole words
	m := uint64(math.Ceil(-float64(numElements) * math.Log(falsePositiveRate) / math.Pow(math.Ln2, 2)))
	m = ((m + 63) / 64) * 64

	// k = (m/n) * ln(2)
	k := uint32(math.Ceil(float64(m) / float64(numElements) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	return &BloomFilter{
		bits:     make([]uint64, m/64),
		numBits:  m,
		numHash:  k,
		hashFunc: fnv.New64a(),
	}
}

// Add adds a key to the filter.
func (bf *BloomFilter) Add(data []byte) {
	h1, h2 := bf.hash(data)
	bf.AddHashes(h1, h2)
}

// AddHashes inserts a key by its precomputed HashKey bases. Streaming
// writers collect hashes while the element count is still unknown, size the
// filter afterwards, and replay them here.
func (bf *BloomFilter) AddHashes(h1, h2 uint64) {
	for i := uint32(0); i < bf.numHash; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + uint64(i)*h2) % bf.numBits
		bf.setBit(pos)
	}
}

// HashKey computes the two double-hashing bases for a key. The values do not
// depend on any particular filter's geometry, so they can be captured before
// the filter exists and replayed with AddHashes.
func HashKey(data []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(data)
	h1 := h.Sum64()

	h.Reset()
	h.Write([]byte{0x42}) // seed
	h.Write(data)
	h2 := h.Sum64()

	return h1, h2
}

// Contains reports whether the key might be present. False positives are
// possible; false negatives are not.
func (bf *BloomFilter) Contains(data []byte) bool {
	h1, h2 := bf.hash(data)

	for i := uint32(0); i < bf.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % bf.numBits
		if !bf.getBit(pos) {
			return false
		}
	}

	return true
}

// hash computes two independent hash values for double hashing.
func (bf *BloomFilter) hash(data []byte) (uint64, uint64) {
	bf.hashFunc.Reset()
	bf.hashFunc.Write(data)
	h1 := bf.hashFunc.Sum64()

	bf.hashFunc.Reset()
	bf.hashFunc.Write([]byte{0x42}) // seed
	bf.hashFunc.Write(data)
	h2 := bf.hashFunc.Sum64()

	return h1, h2
}

func (bf *BloomFilter) setBit(pos uint64) {
	wordIdx := pos / 64
	bitIdx := pos % 64
	bf.bits[wordIdx] |= uint64(1) << bitIdx
}

func (bf *BloomFilter) getBit(pos uint64) bool {
	wordIdx := pos / 64
	bitIdx := pos % 64
	return (bf.bits[wordIdx] & (uint64(1) << bitIdx)) != 0
}

// EstimateFalsePositiveRate estimates the current false positive rate from
// the fill ratio.
func (bf *BloomFilter) EstimateFalsePositiveRate() float64 {
	setBits := uint64(0)
	for _, word := range bf.bits {
		setBits += uint64(popcount(word))
	}

	fillRatio := float64(setBits) / float64(bf.numBits)
	return math.Pow(fillRatio, float64(bf.numHash))
}

// SizeInBytes returns the size of the bit array in bytes.
func (bf *BloomFilter) SizeInBytes() int {
	return len(bf.bits) * 8
}

// Marshal serializes the filter.
func (bf *BloomFilter) Marshal() []byte {
	size := 16 + len(bf.bits)*8
	buf := make([]byte, size)

	binary.LittleEndian.PutUint64(buf[0:8], bf.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], bf.numHash)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(bf.bits)))

	offset := 16
	for _, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[offset:], word)
		offset += 8
	}

	return buf
}

// UnmarshalBloomFilter deserializes a filter produced by Marshal.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("bloom filter data too short: %d bytes", len(data))
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHash := binary.LittleEndian.Uint32(data[8:12])
	numWords := binary.LittleEndian.Uint32(data[12:16])

	if uint64(numWords)*8 != numBits/8 || len(data) < 16+int(numWords)*8 {
		return nil, fmt.Errorf("bloom filter data inconsistent: bits=%d words=%d len=%d", numBits, numWords, len(data))
	}

	bits := make([]uint64, numWords)
	offset := 16
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[offset:])
		offset += 8
	}

	return &BloomFilter{
		bits:     bits,
		numBits:  numBits,
		numHash:  numHash,
		hashFunc: fnv.New64a(),
	}, nil
}

// popcount counts the number of set bits.
func popcount(x uint64) int {
	// Brian Kernighan's algorithm
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}
