package reverse

import "sort"

// Piece is a maximal contiguous downloaded byte range [Offset, Offset+Length).
type Piece struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive end offset of the piece.
func (p Piece) End() uint64 {
	return p.Offset + p.Length
}

// FileMeta tracks the set of downloaded pieces for one on-disk writer file.
// Pieces never overlap; adjacent pieces are merged on insertion so that
// IsEnd is equivalent to "one piece covering [0, TotalLength)".
type FileMeta struct {
	Path        string
	TotalLength uint64
	pieces      []Piece // kept sorted by Offset, non-overlapping, non-adjacent
}

// Combine integrates a newly written piece into the map, merging with any
// pieces it touches or overlaps. It returns false if the new piece is
// entirely contained in an existing piece (nothing to write), true
// otherwise (including partial-overlap cases, where the non-overlapping
// portion is still new).
func (m *FileMeta) Combine(p Piece) bool {
	if p.Length == 0 {
		return false
	}

	// Find pieces that overlap or touch [p.Offset, p.End()].
	start := p.Offset
	end := p.End()

	i := sort.Search(len(m.pieces), func(i int) bool {
		return m.pieces[i].Offset > start
	})
	// Walk left to catch a piece that starts before start but may touch it.
	for i > 0 && m.pieces[i-1].End() >= start {
		i--
	}

	fullyContained := false
	j := i
	for j < len(m.pieces) && m.pieces[j].Offset <= end {
		existing := m.pieces[j]
		if existing.Offset <= start && existing.End() >= end {
			fullyContained = true
		}
		if existing.Offset < start {
			start = existing.Offset
		}
		if existing.End() > end {
			end = existing.End()
		}
		j++
	}

	merged := Piece{Offset: start, Length: end - start}
	m.pieces = append(m.pieces[:i], append([]Piece{merged}, m.pieces[j:]...)...)

	return !fullyContained
}

// PieceOf returns the piece covering cursor, if any, trimmed so it starts at
// cursor (the caller only wants bytes from cursor onward).
func (m *FileMeta) PieceOf(cursor uint64) (Piece, bool) {
	for _, p := range m.pieces {
		if cursor >= p.Offset && cursor < p.End() {
			return Piece{Offset: cursor, Length: p.End() - cursor}, true
		}
	}
	return Piece{}, false
}

// IsEnd reports whether the piece map covers exactly [0, TotalLength).
func (m *FileMeta) IsEnd() bool {
	return len(m.pieces) == 1 && m.pieces[0].Offset == 0 && m.pieces[0].Length == m.TotalLength
}
