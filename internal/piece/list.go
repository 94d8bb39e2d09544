package piece

import (
	"fmt"

	"torrentstream/internal/xerr"
)

// List is an ordered, read-mostly view over a contiguous range of a
// torrent's global piece space: the whole torrent's pieces, or the
// sub-range a single file occupies. Pieces are sorted by DataStartOffset
// (equivalently by PieceIndex, since offsets are strictly increasing).
type List struct {
	pieces  []*Piece
	byIndex map[int32]int // PieceIndex -> position in pieces
}

// NewList builds a List from pieces already sorted by DataStartOffset.
// Construction is O(N); callers that only need a handful of pieces (a
// single file's range) should slice the torrent's master list rather
// than rebuild one.
func NewList(pieces []*Piece) *List {
	byIndex := make(map[int32]int, len(pieces))
	for i, p := range pieces {
		byIndex[p.PieceIndex] = i
	}
	return &List{pieces: pieces, byIndex: byIndex}
}

// Len returns the number of pieces in the list.
func (l *List) Len() int { return len(l.pieces) }

// First returns the piece with the smallest DataStartOffset, or nil if
// the list is empty.
func (l *List) First() *Piece {
	if len(l.pieces) == 0 {
		return nil
	}
	return l.pieces[0]
}

// Last returns the piece with the largest DataStartOffset, or nil if the
// list is empty.
func (l *List) Last() *Piece {
	if len(l.pieces) == 0 {
		return nil
	}
	return l.pieces[len(l.pieces)-1]
}

// MinOffset is the smallest DataStartOffset covered by the list.
func (l *List) MinOffset() int64 { return l.First().DataStartOffset }

// MaxOffset is the largest DataLastOffset covered by the list.
func (l *List) MaxOffset() int64 { return l.Last().DataLastOffset() }

// AtPosition returns the piece at list position i.
func (l *List) AtPosition(i int) *Piece { return l.pieces[i] }

// GetByPieceIndex returns the piece with the given absolute piece index,
// which may not equal its position within the list.
func (l *List) GetByPieceIndex(absoluteIndex int32) (*Piece, bool) {
	pos, ok := l.byIndex[absoluteIndex]
	if !ok {
		return nil, false
	}
	return l.pieces[pos], true
}

// ContainsAbsolutePieceIndex reports whether a piece with this absolute
// index is present in the list.
func (l *List) ContainsAbsolutePieceIndex(i int32) bool {
	_, ok := l.byIndex[i]
	return ok
}

// BinarySearch locates a piece by predicate in O(log N). predicate is
// called with a candidate piece and must return -1 if the target lies
// beyond that piece (search right), 0 on a hit, or +1 if the target lies
// before that piece (search left). Returns the list position of the hit,
// or -1 if predicate never returns 0.
func (l *List) BinarySearch(predicate func(*Piece) int) int32 {
	lo, hi := 0, len(l.pieces)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		switch c := predicate(l.pieces[mid]); {
		case c == 0:
			return int32(mid)
		case c < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -1
}

// FindByAbsoluteOffset locates the piece whose [DataStartOffset,
// DataLastOffset] range contains the given absolute byte offset, using
// BinarySearch under the hood. Returns the piece's absolute index, or -1
// if no piece in the list contains it.
func (l *List) FindByAbsoluteOffset(absoluteOffset int64) int32 {
	pos := l.BinarySearch(func(p *Piece) int {
		switch {
		case absoluteOffset > p.DataLastOffset():
			return -1
		case absoluteOffset < p.DataStartOffset:
			return 1
		default:
			return 0
		}
	})
	if pos == -1 {
		return -1
	}
	return l.pieces[pos].PieceIndex
}

// ValidateContiguous checks the List invariant that DataStartOffset
// values are strictly increasing and ranges never overlap. Returns an
// *xerr.Error of kind InvariantViolation on the first violation found.
func (l *List) ValidateContiguous() error {
	if first := l.First(); first != nil && first.Size <= 0 {
		return xerr.New(xerr.InvariantViolation, "List.ValidateContiguous", fmt.Errorf("piece %d has non-positive size", first.PieceIndex))
	}
	for i := 1; i < len(l.pieces); i++ {
		prev, cur := l.pieces[i-1], l.pieces[i]
		if cur.Size <= 0 {
			return xerr.New(xerr.InvariantViolation, "List.ValidateContiguous", fmt.Errorf("piece %d has non-positive size", cur.PieceIndex))
		}
		if cur.DataStartOffset <= prev.DataStartOffset || cur.DataStartOffset <= prev.DataLastOffset() {
			return xerr.New(xerr.InvariantViolation, "List.ValidateContiguous", fmt.Errorf("pieces %d and %d overlap or are out of order", prev.PieceIndex, cur.PieceIndex))
		}
	}
	return nil
}
