package reverse

import "testing"

func TestFileMetaCombine(t *testing.T) {
	tests := []struct {
		name      string
		seed      []Piece
		add       Piece
		wantNew   bool
		wantMerge []Piece
	}{
		{
			name:      "first write",
			seed:      nil,
			add:       Piece{Offset: 0, Length: 10},
			wantNew:   true,
			wantMerge: []Piece{{Offset: 0, Length: 10}},
		},
		{
			name:      "adjacent tail append",
			seed:      []Piece{{Offset: 0, Length: 10}},
			add:       Piece{Offset: 10, Length: 5},
			wantNew:   true,
			wantMerge: []Piece{{Offset: 0, Length: 15}},
		},
		{
			name:      "gap leaves two pieces",
			seed:      []Piece{{Offset: 0, Length: 10}},
			add:       Piece{Offset: 20, Length: 5},
			wantNew:   true,
			wantMerge: []Piece{{Offset: 0, Length: 10}, {Offset: 20, Length: 5}},
		},
		{
			name:      "fills the gap, merging three into one",
			seed:      []Piece{{Offset: 0, Length: 10}, {Offset: 20, Length: 5}},
			add:       Piece{Offset: 10, Length: 10},
			wantNew:   true,
			wantMerge: []Piece{{Offset: 0, Length: 25}},
		},
		{
			name:      "fully contained write is not new",
			seed:      []Piece{{Offset: 0, Length: 10}},
			add:       Piece{Offset: 2, Length: 3},
			wantNew:   false,
			wantMerge: []Piece{{Offset: 0, Length: 10}},
		},
		{
			name:      "partial overlap extends the piece",
			seed:      []Piece{{Offset: 5, Length: 10}},
			add:       Piece{Offset: 0, Length: 8},
			wantNew:   true,
			wantMerge: []Piece{{Offset: 0, Length: 15}},
		},
		{
			name:    "zero-length write is ignored",
			seed:    []Piece{{Offset: 0, Length: 10}},
			add:     Piece{Offset: 10, Length: 0},
			wantNew: false,
			wantMerge: []Piece{{Offset: 0, Length: 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &FileMeta{pieces: append([]Piece{}, tt.seed...)}
			got := m.Combine(tt.add)
			if got != tt.wantNew {
				t.Errorf("Combine() = %v, want %v", got, tt.wantNew)
			}
			if len(m.pieces) != len(tt.wantMerge) {
				t.Fatalf("pieces = %+v, want %+v", m.pieces, tt.wantMerge)
			}
			for i, p := range tt.wantMerge {
				if m.pieces[i] != p {
					t.Errorf("pieces[%d] = %+v, want %+v", i, m.pieces[i], p)
				}
			}
		})
	}
}

func TestFileMetaPieceOf(t *testing.T) {
	m := &FileMeta{pieces: []Piece{{Offset: 0, Length: 10}, {Offset: 20, Length: 5}}}

	if p, ok := m.PieceOf(4); !ok || p != (Piece{Offset: 4, Length: 6}) {
		t.Errorf("PieceOf(4) = %+v, %v", p, ok)
	}
	if _, ok := m.PieceOf(15); ok {
		t.Errorf("PieceOf(15) should miss the gap")
	}
	if p, ok := m.PieceOf(20); !ok || p != (Piece{Offset: 20, Length: 5}) {
		t.Errorf("PieceOf(20) = %+v, %v", p, ok)
	}
}

func TestFileMetaIsEnd(t *testing.T) {
	m := &FileMeta{TotalLength: 10, pieces: []Piece{{Offset: 0, Length: 10}}}
	if !m.IsEnd() {
		t.Error("expected IsEnd to be true for a single piece covering the whole file")
	}

	m2 := &FileMeta{TotalLength: 10, pieces: []Piece{{Offset: 0, Length: 5}, {Offset: 5, Length: 5}}}
	m2.pieces = nil
	m2.Combine(Piece{Offset: 0, Length: 5})
	m2.Combine(Piece{Offset: 5, Length: 5})
	if !m2.IsEnd() {
		t.Error("expected IsEnd to be true once two adjacent pieces merge into the full length")
	}

	m3 := &FileMeta{TotalLength: 10, pieces: []Piece{{Offset: 0, Length: 5}}}
	if m3.IsEnd() {
		t.Error("expected IsEnd to be false for a partial download")
	}
}
