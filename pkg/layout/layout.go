// Package layout allocates the relative paths under which output files are
// deposited on the output site.
//
// Allocators are stateful and not safe for concurrent use.
package layout

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// DefaultFanout bounds the entries per directory in hashed mode.
const DefaultFanout = 254

// ErrCapacityExceeded is returned once a hashed allocator has handed out
// every slot it was sized for.
var ErrCapacityExceeded = errors.New("layout capacity exceeded")

// AllocationError reports a failed allocation.
type AllocationError struct {
	LFN string
	Err error
}

func (e *AllocationError) Error() string {
	return "layout: allocate " + e.LFN + ": " + e.Err.Error()
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Allocator hands out relative output paths, one per call.
type Allocator interface {
	Allocate(lfn string) (string, error)
}

// New returns a hashed allocator when deep is set, else a flat one.
func New(deep bool, root string, total, fanout int) (Allocator, error) {
	if deep {
		return NewHashed(root, total, fanout)
	}
	return NewFlat(root), nil
}

// Flat places every file directly under one root.
type Flat struct {
	root string
}

// NewFlat returns a flat allocator rooted at root.
func NewFlat(root string) *Flat {
	return &Flat{root: clean(root)}
}

// Allocate returns root/lfn.
func (f *Flat) Allocate(lfn string) (string, error) {
	if lfn == "" {
		return "", &AllocationError{LFN: lfn, Err: errors.New("empty logical file name")}
	}
	return join(f.root, lfn), nil
}

// Hashed spreads files over a tree of zero-padded decimal directories so no
// directory holds more than fanout entries.
type Hashed struct {
	root     string
	fanout   int
	levels   int
	capacity int
	width    int
	next     int
}

// NewHashed sizes a tree for total files.
//
// The tree has the smallest number of levels L >= 1 such that the leaves
// can hold total files: fanout^L leaf directories of fanout files each.
func NewHashed(root string, total, fanout int) (*Hashed, error) {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	if fanout < 2 {
		return nil, fmt.Errorf("layout fanout must be at least 2, got %d", fanout)
	}
	if total < 0 {
		return nil, fmt.Errorf("layout total must not be negative, got %d", total)
	}

	levels := 1
	capacity := fanout * fanout
	for capacity < total {
		levels++
		capacity *= fanout
	}

	width := len(strconv.Itoa(fanout - 1))
	if width < 3 {
		width = 3
	}

	return &Hashed{
		root:     clean(root),
		fanout:   fanout,
		levels:   levels,
		capacity: capacity,
		width:    width,
	}, nil
}

// Levels returns the directory depth below the root.
func (h *Hashed) Levels() int { return h.levels }

// Capacity returns the number of slots the tree was sized for.
func (h *Hashed) Capacity() int { return h.capacity }

// Allocate consumes the next slot and returns root/d1/.../dL/lfn.
func (h *Hashed) Allocate(lfn string) (string, error) {
	if lfn == "" {
		return "", &AllocationError{LFN: lfn, Err: errors.New("empty logical file name")}
	}
	if h.next >= h.capacity {
		return "", &AllocationError{LFN: lfn, Err: ErrCapacityExceeded}
	}
	slot := h.next
	h.next++

	leaf := slot / h.fanout
	digits := make([]string, h.levels)
	for i := h.levels - 1; i >= 0; i-- {
		digits[i] = fmt.Sprintf("%0*d", h.width, leaf%h.fanout)
		leaf /= h.fanout
	}
	return join(h.root, path.Join(digits...), lfn), nil
}

func clean(root string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return ""
	}
	return path.Clean(root)
}

func join(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}
