package extsort

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// Run file layout:
//
// Header (16 bytes):
//   Magic:   4 bytes  (0x454D4C53 = "EMLS")
//   Version: 4 bytes  (1)
//   Count:   8 bytes  (number of records)
//
// Records, sorted by email:
//   EmailLen:    4 bytes (uint32)
//   Email:       N bytes
//   Occurrences: 8 bytes (uint64)
//   FirstSeen:   4 bytes (int32 days)
//   LastSeen:    4 bytes (int32 days)

const (
	runFileMagic   = 0x454D4C53
	runFileVersion = 1
	runFileHeader  = 16

	defaultBufferSize = 1 << 20
)

// RunFileWriter writes EmailStats to a run file.
type RunFileWriter struct {
	file   *os.File
	writer *bufio.Writer
	count  uint64
	buf    []byte
	closed bool
}

// NewRunFileWriter creates a run file at path.
func NewRunFileWriter(path string, bufferSize int) (*RunFileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create run file: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	w := &RunFileWriter{
		file:   f,
		writer: bufio.NewWriterSize(f, bufferSize),
		buf:    make([]byte, 256),
	}

	var header [runFileHeader]byte
	binary.LittleEndian.PutUint32(header[0:4], runFileMagic)
	binary.LittleEndian.PutUint32(header[4:8], runFileVersion)
	if _, err := w.writer.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// Write appends one record. Callers must write in ascending email order.
func (w *RunFileWriter) Write(s *EmailStat) error {
	n := len(s.Email)
	size := fixedRecordBytes + n
	if len(w.buf) < size {
		w.buf = make([]byte, size*2)
	}

	binary.LittleEndian.PutUint32(w.buf[0:], uint32(n))
	copy(w.buf[4:], s.Email)
	off := 4 + n
	binary.LittleEndian.PutUint64(w.buf[off:], s.Occurrences)
	binary.LittleEndian.PutUint32(w.buf[off+8:], uint32(s.FirstSeen))
	binary.LittleEndian.PutUint32(w.buf[off+12:], uint32(s.LastSeen))

	if _, err := w.writer.Write(w.buf[:size]); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.count++
	return nil
}

// WriteSorted sorts stats by email and writes them all.
func (w *RunFileWriter) WriteSorted(stats []*EmailStat) error {
	slices.SortFunc(stats, func(a, b *EmailStat) int {
		return strings.Compare(a.Email, b.Email)
	})
	for _, s := range stats {
		if err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records written.
func (w *RunFileWriter) Count() uint64 { return w.count }

// Close flushes, patches the record count into the header, and closes.
func (w *RunFileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush: %w", err)
	}
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], w.count)
	if _, err := w.file.WriteAt(countBuf[:], 8); err != nil {
		w.file.Close()
		return fmt.Errorf("update header: %w", err)
	}
	return w.file.Close()
}

// RunFileReader reads EmailStats back from a run file.
type RunFileReader struct {
	file   *os.File
	reader *bufio.Reader
	count  uint64
	read   uint64
	buf    []byte
	closed bool
}

// OpenRunFile opens path and validates its header.
func OpenRunFile(path string, bufferSize int) (*RunFileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run file: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	r := &RunFileReader{
		file:   f,
		reader: bufio.NewReaderSize(f, bufferSize),
		buf:    make([]byte, 256),
	}

	var header [runFileHeader]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != runFileMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: got %x, want %x", magic, runFileMagic)
	}
	if version := binary.LittleEndian.Uint32(header[4:8]); version != runFileVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}
	r.count = binary.LittleEndian.Uint64(header[8:16])
	return r, nil
}

// Read returns the next record, or io.EOF after the last one.
func (r *RunFileReader) Read() (*EmailStat, error) {
	if r.read >= r.count {
		return nil, io.EOF
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read email length: %w", err)
	}
	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	size := n + fixedRecordBytes - 4
	if len(r.buf) < size {
		r.buf = make([]byte, size*2)
	}
	if _, err := io.ReadFull(r.reader, r.buf[:size]); err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	s := &EmailStat{
		Email:       string(r.buf[:n]),
		Occurrences: binary.LittleEndian.Uint64(r.buf[n:]),
		FirstSeen:   int32(binary.LittleEndian.Uint32(r.buf[n+8:])),
		LastSeen:    int32(binary.LittleEndian.Uint32(r.buf[n+12:])),
	}
	r.read++
	return s, nil
}

// Count returns the number of records in the file.
func (r *RunFileReader) Count() uint64 { return r.count }

// Close closes the file.
func (r *RunFileReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
