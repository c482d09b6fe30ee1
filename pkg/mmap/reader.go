// Package mmap provides memory-mapped file I/O, used by the local asset
// handler to serve datum byte ranges out of .npy/.npy.zst files without
// copying the whole file into the Go heap.
package mmap

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/opensci/runcat/pkg/logger"
	"go.uber.org/zap"
)

// Reader provides memory-mapped file reading with zero-copy performance
type Reader struct {
	file     *os.File
	data     []byte
	fileSize int64
	pageSize int

	// Prefetch control
	prefetch         bool
	prefetchDistance int

	// Parallel processing
	numWorkers int
	chunkSize  int64

	// Stats
	bytesRead int64
	pagesRead int64

	mu sync.RWMutex
}

// NewReader creates a new memory-mapped file reader
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	fileSize := stat.Size()
	if fileSize == 0 {
		file.Close()
		return nil, fmt.Errorf("file is empty")
	}

	// Memory map the file
	data, err := mmap(int(file.Fd()), 0, int(fileSize),
		ProtRead, MapShared)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap file: %w", err)
	}

	// Advise kernel about access pattern
	err = madvise(data, MadvSequential)
	if err != nil {
		logger.Warn("madvise failed", zap.String("file", filename), zap.Error(err))
	}

	pageSize := os.Getpagesize()

	return &Reader{
		file:             file,
		data:             data,
		fileSize:         fileSize,
		pageSize:         pageSize,
		prefetch:         true,
		prefetchDistance: 16 * pageSize, // Prefetch 16 pages ahead
		numWorkers:       runtime.NumCPU(),
		chunkSize:        1024 * 1024, // 1MB chunks
	}, nil
}

// ReadAll returns the entire memory-mapped file data
func (r *Reader) ReadAll() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Trigger prefetch for entire file
	if r.prefetch {
		r.prefetchRange(0, r.fileSize)
	}

	r.bytesRead = r.fileSize
	r.pagesRead = (r.fileSize + int64(r.pageSize) - 1) / int64(r.pageSize)

	return r.data
}

// ReadRange reads a specific range from the memory-mapped file
func (r *Reader) ReadRange(offset, length int64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if offset < 0 || offset >= r.fileSize {
		return nil, fmt.Errorf("offset %d out of range [0, %d)", offset, r.fileSize)
	}

	end := offset + length
	if end > r.fileSize {
		end = r.fileSize
	}

	// Prefetch if enabled
	if r.prefetch {
		r.prefetchRange(offset, end)
	}

	r.bytesRead += end - offset
	r.pagesRead += ((end - offset) + int64(r.pageSize) - 1) / int64(r.pageSize)

	return r.data[offset:end], nil
}

// ProcessParallel processes the file in parallel chunks
func (r *Reader) ProcessParallel(processor func(chunk []byte, offset int64) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Create worker pool
	type work struct {
		offset int64
		length int64
	}

	workChan := make(chan work, r.numWorkers*2)
	errChan := make(chan error, r.numWorkers)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workChan {
				chunk := r.data[w.offset : w.offset+w.length]

				// Prefetch next chunk
				if r.prefetch && w.offset+w.length < r.fileSize {
					nextOffset := w.offset + w.length
					nextEnd := nextOffset + r.chunkSize
					if nextEnd > r.fileSize {
						nextEnd = r.fileSize
					}
					r.prefetchRange(nextOffset, nextEnd)
				}

				if err := processor(chunk, w.offset); err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
			}
		}()
	}

	// Distribute work
	for offset := int64(0); offset < r.fileSize; offset += r.chunkSize {
		length := r.chunkSize
		if offset+length > r.fileSize {
			length = r.fileSize - offset
		}

		workChan <- work{offset: offset, length: length}
	}

	close(workChan)
	wg.Wait()

	// Check for errors
	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

// prefetchRange advises kernel to prefetch a range of pages
func (r *Reader) prefetchRange(start, end int64) {
	// Align to page boundaries
	startPage := (start / int64(r.pageSize)) * int64(r.pageSize)
	endPage := ((end + int64(r.pageSize) - 1) / int64(r.pageSize)) * int64(r.pageSize)

	if endPage > r.fileSize {
		endPage = r.fileSize
	}

	length := endPage - startPage
	if length <= 0 {
		return
	}

	// Advise kernel to prefetch
	_ = madvise(r.data[startPage:endPage], MadvWillneed)
}

// Close unmaps the file and closes it
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error

	// Unmap the file
	if r.data != nil {
		err = munmap(r.data)
		r.data = nil
	}

	// Close the file
	if r.file != nil {
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		r.file = nil
	}

	return err
}

// Stats returns reading statistics
func (r *Reader) Stats() (bytesRead, pagesRead int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bytesRead, r.pagesRead
}
