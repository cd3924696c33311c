package lsmtree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"
)

// Item is a single key/value entry as stored in an SSTable: the value
// payload plus the sequence number and operation/type metadata word a
// Groove needs to reconstruct a storable value (tombstone, blob, ...).
type Item struct {
	Key   []byte
	Value []byte
	SeqN  uint64
	Meta  uint64
}

// IndexEntry locates one entry's encoded record within the data section.
type IndexEntry struct {
	Key         []byte
	BlockOffset int64
	BlockSize   int
	BlockInd    int
}

// compressionThreshold is the minimum value size, in bytes, below which
// blip_write skips bzip2 and stores the value raw — small values rarely
// compress well enough to be worth the CPU on the merge-stage critical
// path.
const compressionThreshold = 256

// SSTable is a single immutable sorted table on disk: a simple
// length-prefixed record stream followed by a trailing block index and a
// 4-byte index-size footer, exactly the layout the teacher's
// pkg/persistence/sstable.go uses, generalized with optional per-value
// bzip2 compression.
type SSTable struct {
	filePath string
	reader   *os.File

	bloom      BloomFilter
	cache      BlockCache
	blockIndex []IndexEntry

	mu sync.RWMutex
}

// Meta holds table-level statistics surfaced to the manifest log.
type Meta struct {
	NumEntries  int
	ApproxBytes int64
	CreatedAt   time.Time
}

// NewSSTable wraps an existing (already-written) table file at path.
func NewSSTable(path string, bloom BloomFilter, cache BlockCache) *SSTable {
	return &SSTable{filePath: path, bloom: bloom, cache: cache}
}

func (s *SSTable) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("open sstable file: %w", err)
	}
	s.reader = file

	if err := s.loadIndex(); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("close sstable after failed index load", "path", s.filePath, "error", cerr)
		}
		return fmt.Errorf("load index: %w", err)
	}

	if s.bloom != nil {
		for _, e := range s.blockIndex {
			s.bloom.Add(e.Key)
		}
	}

	return nil
}

func (s *SSTable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader != nil {
		err := s.reader.Close()
		s.reader = nil
		return err
	}
	return nil
}

// WriteTable writes a fully sorted slice of items to path as a new
// SSTable, returning the resulting *SSTable already open for reads. This
// is invoked from the merge stage's write-back (blip_write).
func WriteTable(path string, items []Item, bloom BloomFilter, cache BlockCache) (*SSTable, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sstable file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("close sstable file after write", "path", path, "error", cerr)
		}
	}()

	w := bufio.NewWriter(file)

	var (
		index  = make([]IndexEntry, 0, len(items))
		offset int64
	)

	for i, item := range items {
		if bloom != nil {
			bloom.Add(item.Key)
		}

		encoded, compressed, err := encodeValue(item.Value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}

		n, err := writeRecord(w, item, encoded, compressed)
		if err != nil {
			return nil, err
		}

		index = append(index, IndexEntry{Key: item.Key, BlockOffset: offset, BlockSize: n, BlockInd: i})
		offset += int64(n)
	}

	indexData, err := encodeIndex(index)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(indexData); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	if len(indexData) > math.MaxUint32 {
		return nil, fmt.Errorf("index too large: %d", len(indexData))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(indexData))); err != nil {
		return nil, fmt.Errorf("write index footer: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush sstable: %w", err)
	}

	table := NewSSTable(path, bloom, cache)
	if err := table.Open(); err != nil {
		return nil, fmt.Errorf("reopen written table: %w", err)
	}
	return table, nil
}

// record layout: keyLen(4) key seqN(8) meta(8) compressed(1) valLen(4) value
func writeRecord(w *bufio.Writer, item Item, encoded []byte, compressed bool) (int, error) {
	if len(item.Key) > math.MaxUint32 {
		return 0, fmt.Errorf("key too large: %d", len(item.Key))
	}
	if len(encoded) > math.MaxUint32 {
		return 0, fmt.Errorf("value too large: %d", len(encoded))
	}

	n := 0
	write := func(v any) error {
		return binary.Write(w, binary.LittleEndian, v)
	}

	if err := write(uint32(len(item.Key))); err != nil {
		return 0, err
	}
	n += 4
	if _, err := w.Write(item.Key); err != nil {
		return 0, err
	}
	n += len(item.Key)
	if err := write(item.SeqN); err != nil {
		return 0, err
	}
	n += 8
	if err := write(item.Meta); err != nil {
		return 0, err
	}
	n += 8

	flag := uint8(0)
	if compressed {
		flag = 1
	}
	if err := write(flag); err != nil {
		return 0, err
	}
	n++

	if err := write(uint32(len(encoded))); err != nil {
		return 0, err
	}
	n += 4
	if _, err := w.Write(encoded); err != nil {
		return 0, err
	}
	n += len(encoded)

	return n, nil
}

func encodeValue(value []byte) (encoded []byte, compressed bool, err error) {
	if len(value) < compressionThreshold {
		return value, false, nil
	}

	var buf bytes.Buffer
	bw, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, false, fmt.Errorf("new bzip2 writer: %w", err)
	}
	if _, err := bw.Write(value); err != nil {
		return nil, false, fmt.Errorf("compress value: %w", err)
	}
	if err := bw.Close(); err != nil {
		return nil, false, fmt.Errorf("close bzip2 writer: %w", err)
	}

	if buf.Len() >= len(value) {
		// Compression didn't pay off; store the raw bytes instead.
		return value, false, nil
	}
	return buf.Bytes(), true, nil
}

func decodeValue(encoded []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return encoded, nil
	}

	br, err := bzip2.NewReader(bytes.NewReader(encoded), nil)
	if err != nil {
		return nil, fmt.Errorf("new bzip2 reader: %w", err)
	}
	defer br.Close()

	value, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("decompress value: %w", err)
	}
	return value, nil
}

func encodeIndex(index []IndexEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range index {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(e.Key))); err != nil {
			return nil, err
		}
		buf.Write(e.Key)
		if e.BlockOffset < 0 {
			return nil, fmt.Errorf("negative block offset: %d", e.BlockOffset)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint64(e.BlockOffset)); err != nil {
			return nil, err
		}
		if e.BlockSize < 0 {
			return nil, fmt.Errorf("negative block size: %d", e.BlockSize)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(e.BlockSize)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(e.BlockInd)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (s *SSTable) loadIndex() error {
	if s.reader == nil {
		return fmt.Errorf("sstable file not open")
	}

	info, err := s.reader.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	fileSize := info.Size()
	if fileSize < 4 {
		return fmt.Errorf("file too small to contain index footer")
	}

	var indexSize uint32
	if _, err := s.reader.Seek(fileSize-4, io.SeekStart); err != nil {
		return fmt.Errorf("seek to index footer: %w", err)
	}
	if err := binary.Read(s.reader, binary.LittleEndian, &indexSize); err != nil {
		return fmt.Errorf("read index footer: %w", err)
	}
	if int64(indexSize) > fileSize-4 {
		return fmt.Errorf("invalid index size %d", indexSize)
	}

	indexOffset := fileSize - 4 - int64(indexSize)
	if _, err := s.reader.Seek(indexOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to index: %w", err)
	}

	reader := bufio.NewReader(io.LimitReader(s.reader, int64(indexSize)))
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read index key length: %w", err)
		}
		keyLen := binary.LittleEndian.Uint32(lenBuf[:])

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(reader, key); err != nil {
			return fmt.Errorf("read index key: %w", err)
		}

		var offsetBuf [8]byte
		if _, err := io.ReadFull(reader, offsetBuf[:]); err != nil {
			return fmt.Errorf("read index offset: %w", err)
		}
		offset := int64(binary.LittleEndian.Uint64(offsetBuf[:]))

		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return fmt.Errorf("read index size: %w", err)
		}
		size := int(binary.LittleEndian.Uint32(lenBuf[:]))

		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return fmt.Errorf("read index block number: %w", err)
		}
		blockInd := int(binary.LittleEndian.Uint32(lenBuf[:]))

		s.blockIndex = append(s.blockIndex, IndexEntry{Key: key, BlockOffset: offset, BlockSize: size, BlockInd: blockInd})
	}

	return nil
}

// Get returns the item for key, or nil if the table's bloom filter rules
// it out or the key is not present.
func (s *SSTable) Get(key []byte) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.bloom != nil && !s.bloom.MayContain(key) {
		return nil, nil
	}

	lo, hi := 0, len(s.blockIndex)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(s.blockIndex[mid].Key, key)
		switch {
		case cmp == 0:
			return s.readRecord(s.blockIndex[mid])
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return nil, nil
}

func (s *SSTable) readRecord(entry IndexEntry) (*Item, error) {
	if cached, ok := s.cacheGet(entry); ok {
		return decodeRecord(cached)
	}

	if s.reader == nil {
		return nil, fmt.Errorf("sstable file not open")
	}

	buf := make([]byte, entry.BlockSize)
	if _, err := s.reader.ReadAt(buf, entry.BlockOffset); err != nil {
		return nil, fmt.Errorf("read record at offset %d: %w", entry.BlockOffset, err)
	}
	s.cacheSet(entry, buf)

	return decodeRecord(buf)
}

func (s *SSTable) cacheGet(entry IndexEntry) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(cacheKey(s.filePath, entry.BlockInd))
}

func (s *SSTable) cacheSet(entry IndexEntry, buf []byte) {
	if s.cache == nil {
		return
	}
	s.cache.Set(cacheKey(s.filePath, entry.BlockInd), buf)
}

func cacheKey(path string, blockInd int) string {
	return fmt.Sprintf("%s#%d", path, blockInd)
}

func decodeRecord(buf []byte) (*Item, error) {
	r := bytes.NewReader(buf)

	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return nil, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	var seqN, meta uint64
	if err := binary.Read(r, binary.LittleEndian, &seqN); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &meta); err != nil {
		return nil, err
	}

	var flag uint8
	if err := binary.Read(r, binary.LittleEndian, &flag); err != nil {
		return nil, err
	}

	var valLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
		return nil, err
	}
	encoded := make([]byte, valLen)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return nil, err
	}

	value, err := decodeValue(encoded, flag == 1)
	if err != nil {
		return nil, err
	}

	return &Item{Key: key, Value: value, SeqN: seqN, Meta: meta}, nil
}

// AllItems decodes every record in the table, in key order. Used by the
// compaction merge stage to build a k-way merge over input tables.
func (s *SSTable) AllItems() ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Item, 0, len(s.blockIndex))
	for _, entry := range s.blockIndex {
		item, err := s.readRecord(entry)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

// ApproximateSize returns the on-disk size of the table.
func (s *SSTable) ApproximateSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.reader == nil {
		return 0
	}
	info, err := s.reader.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// FilePath returns the table's backing file path.
func (s *SSTable) FilePath() string {
	return s.filePath
}

// KeyMin and KeyMax return the table's key bounds, used by compaction to
// pick the destination-level tables that overlap its inputs.
func (s *SSTable) KeyMin() []byte {
	if len(s.blockIndex) == 0 {
		return nil
	}
	return s.blockIndex[0].Key
}

func (s *SSTable) KeyMax() []byte {
	if len(s.blockIndex) == 0 {
		return nil
	}
	return s.blockIndex[len(s.blockIndex)-1].Key
}

func (s *SSTable) NumEntries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blockIndex)
}
