// Package mutation applies order-preserving structural moves to board
// documents.
//
// Order is array position. Every function returns new slices and never
// modifies its inputs, so a move can run inside a document updater: read the
// current value, compute the next one, hand it back to Set.
package mutation

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange is returned for a source or target index outside the
	// collection.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrNotFound is returned when the moved element or the drop target does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// Position says on which side of the target element a drop lands.
type Position int

const (
	Before Position = iota
	After
)

func (p Position) String() string {
	if p == After {
		return "after"
	}
	return "before"
}

// PositionFor compares a drop's vertical coordinate with the vertical
// midpoint of the target element spanning [top, top+height).
func PositionFor(dropY, top, height float64) Position {
	if dropY < top+height/2 {
		return Before
	}
	return After
}

// InsertionIndex turns a drop on the element at targetIndex into the final
// index of the moved element. Within one collection the index is shifted
// down when the source sits before the insertion point, because removing the
// source moves everything after it up by one. Dropping an element before or
// after itself yields its own index.
func InsertionIndex(targetIndex int, pos Position, sameCollection bool, sourceIndex int) int {
	idx := targetIndex
	if pos == After {
		idx++
	}
	if sameCollection && sourceIndex < idx {
		idx--
	}
	return idx
}

// MoveWithin returns a copy of s with the element at from moved to index to.
// Both indexes must be inside s.
func MoveWithin[T any](s []T, from, to int) ([]T, error) {
	if from < 0 || from >= len(s) {
		return nil, fmt.Errorf("source %d of %d: %w", from, len(s), ErrIndexOutOfRange)
	}
	if to < 0 || to >= len(s) {
		return nil, fmt.Errorf("target %d of %d: %w", to, len(s), ErrIndexOutOfRange)
	}

	out := make([]T, 0, len(s))
	moved := s[from]
	for i, v := range s {
		if i == from {
			continue
		}
		if len(out) == to {
			out = append(out, moved)
		}
		out = append(out, v)
	}
	if len(out) == to {
		out = append(out, moved)
	}
	return out, nil
}

// MoveAcross removes the element at from in src and inserts it into dst at
// index to (0 <= to <= len(dst)). setFK is applied to the moved element
// before insertion so it carries the foreign key of dst.
func MoveAcross[T any](src, dst []T, from, to int, setFK func(T) T) ([]T, []T, error) {
	if from < 0 || from >= len(src) {
		return nil, nil, fmt.Errorf("source %d of %d: %w", from, len(src), ErrIndexOutOfRange)
	}
	if to < 0 || to > len(dst) {
		return nil, nil, fmt.Errorf("target %d of %d: %w", to, len(dst), ErrIndexOutOfRange)
	}

	moved := src[from]
	if setFK != nil {
		moved = setFK(moved)
	}

	nextSrc := make([]T, 0, len(src)-1)
	nextSrc = append(nextSrc, src[:from]...)
	nextSrc = append(nextSrc, src[from+1:]...)

	nextDst := make([]T, 0, len(dst)+1)
	nextDst = append(nextDst, dst[:to]...)
	nextDst = append(nextDst, moved)
	nextDst = append(nextDst, dst[to:]...)

	return nextSrc, nextDst, nil
}

// IndexOf returns the index of the first element whose id matches.
func IndexOf[T any](s []T, id string, idOf func(T) string) int {
	for i, v := range s {
		if idOf(v) == id {
			return i
		}
	}
	return -1
}

// Document is anything holding a value that is replaced through an updater,
// such as a hybrid.Handle.
type Document[T any] interface {
	Set(update func(T) T) error
}

// Apply runs op against the document's current value inside its updater. If
// op fails the value is left as it was and op's error is returned.
func Apply[T any](doc Document[T], op func(T) (T, error)) error {
	var opErr error
	err := doc.Set(func(cur T) T {
		next, err := op(cur)
		if err != nil {
			opErr = err
			return cur
		}
		return next
	})
	if err != nil {
		return err
	}
	return opErr
}
