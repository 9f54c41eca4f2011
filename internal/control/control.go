// Package control maintains a one-page memory-mapped file that tells
// external readers which map database is current and how often it has been
// flushed.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x544D5247 // 'TMRG'
)

// Block is the on-disk layout of the control file.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // Atomic
	StorePath  [256]byte
	Tiles      uint64 // tiles written by the last flush
	Padding    [ControlSize - 280]byte
}

// Controller manages the memory-mapped control file.
type Controller struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))
	switch magic := ptr.Magic; magic {
	case 0:
		ptr.Magic = Magic
		ptr.Version = 1
	case Magic:
	default:
		// ptr is invalid once unmapped
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}

	return &Controller{path: path, file: f, data: data, ptr: ptr}, nil
}

// Generation returns the current generation atomically.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// StorePath returns the map database path last published.
func (c *Controller) StorePath() string {
	b := c.ptr.StorePath[:]
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Tiles returns the tile count of the last flush.
func (c *Controller) Tiles() uint64 {
	return atomic.LoadUint64(&c.ptr.Tiles)
}

// Publish records a completed flush of the map at path and advances the
// generation. It returns the new generation.
func (c *Controller) Publish(path string, tiles uint64) (uint64, error) {
	if len(path) >= len(c.ptr.StorePath) {
		return 0, fmt.Errorf("path too long (max %d)", len(c.ptr.StorePath)-1)
	}
	copy(c.ptr.StorePath[:], path)
	c.ptr.StorePath[len(path)] = 0
	atomic.StoreUint64(&c.ptr.Tiles, tiles)

	// generation last, readers poll it
	return atomic.AddUint64(&c.ptr.Generation, 1), nil
}

// Close unmaps and closes the control file.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
