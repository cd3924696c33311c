package lsmtree

import (
	"hash"
	"hash/fnv"
	"math"
)

// BloomFilter is consulted before every disk probe of an SSTable so that
// misses on keys absent from a table never touch the block cache or Grid.
type BloomFilter interface {
	Add(key []byte)
	MayContain(key []byte) bool
}

type bloomFilter struct {
	bits     []bool
	size     uint32
	hashFunc []hash.Hash32
}

// NewBloomFilter sizes a filter for expectedItems keys at the given target
// false-positive rate.
func NewBloomFilter(expectedItems uint32, falsePositiveRate float64) BloomFilter {
	size := calculateOptimalSize(expectedItems, falsePositiveRate)
	hashCount := calculateHashCount(expectedItems, size)

	hashFuncs := make([]hash.Hash32, hashCount)
	for i := range hashFuncs {
		hashFuncs[i] = fnv.New32a()
	}

	return &bloomFilter{
		bits:     make([]bool, size),
		size:     size,
		hashFunc: hashFuncs,
	}
}

func (bf *bloomFilter) Add(key []byte) {
	for i, h := range bf.hashFunc {
		h.Reset()
		h.Write(key)
		h.Write([]byte{byte(i)})
		index := h.Sum32() % bf.size
		bf.bits[index] = true
	}
}

func (bf *bloomFilter) MayContain(key []byte) bool {
	for i, h := range bf.hashFunc {
		h.Reset()
		h.Write(key)
		h.Write([]byte{byte(i)})
		index := h.Sum32() % bf.size
		if !bf.bits[index] {
			return false
		}
	}
	return true
}

// calculateOptimalSize computes m = -(n*ln(p)) / (ln(2)^2).
func calculateOptimalSize(expectedItems uint32, falsePositiveRate float64) uint32 {
	if expectedItems == 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	ln2 := math.Ln2
	m := -1.0 * float64(expectedItems) * math.Log(falsePositiveRate) / (ln2 * ln2)
	if m < 1 {
		m = 1
	}
	return uint32(m)
}

// calculateHashCount computes k = (m/n) * ln(2), clamped to [1, 10].
func calculateHashCount(expectedItems uint32, size uint32) int {
	if expectedItems == 0 {
		expectedItems = 1
	}
	k := int((float64(size) / float64(expectedItems)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return k
}
