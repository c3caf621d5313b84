package httprange

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		full    uint64
		start   uint64
		end     uint64
	}{
		{in: "bytes=0-499", full: 1000, start: 0, end: 499},
		{in: "bytes=500-", full: 1000, start: 500, end: 999},
		{in: "bytes=-500", full: 1000, start: 500, end: 999},
		{in: "bytes=0-999999", full: 1000, start: 0, end: 999}, // end clamped to full
		{in: "items=0-1", wantErr: true},
		{in: "bytes=0-1,2-3", wantErr: true},
		{in: "bytes=", wantErr: true},
		{in: "bytes=-", wantErr: true},
		{in: "bytes=abc-def", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := Parse(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedRange) {
					t.Fatalf("Parse(%q) err = %v, want ErrUnsupportedRange", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.in, err)
			}
			if got := r.Start(tt.full); got != tt.start {
				t.Errorf("Start(%d) = %d, want %d", tt.full, got, tt.start)
			}
			if got := r.End(tt.full); got != tt.end {
				t.Errorf("End(%d) = %d, want %d", tt.full, got, tt.end)
			}
		})
	}
}

func TestRangeInFull(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		full uint64
		want bool
	}{
		{name: "zero length resource", r: Range{start: 0, hasEnd: false}, full: 0, want: false},
		{name: "start beyond resource", r: Range{start: 2000, hasEnd: false}, full: 1000, want: false},
		{name: "end before start", r: Range{start: 500, end: 100, hasEnd: true}, full: 1000, want: false},
		{name: "satisfiable open range", r: Range{start: 0, hasEnd: false}, full: 1000, want: true},
		{name: "suffix range on empty resource", r: Range{fromLast: true, lastBytes: 10}, full: 0, want: false},
		{name: "suffix range", r: Range{fromLast: true, lastBytes: 10}, full: 1000, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.InFull(tt.full); got != tt.want {
				t.Errorf("InFull(%d) = %v, want %v", tt.full, got, tt.want)
			}
		})
	}
}

func TestFromRange(t *testing.T) {
	r, err := Parse("bytes=100-199")
	if err != nil {
		t.Fatal(err)
	}
	cr, ok := FromRange(r, 1000)
	if !ok {
		t.Fatal("FromRange returned ok=false for a non-empty resource")
	}
	want := ContentRange{Start: 100, End: 199, Full: 1000}
	if cr != want {
		t.Errorf("FromRange = %+v, want %+v", cr, want)
	}
	if got, want := cr.String(), "bytes 100-199/1000"; got != want {
		t.Errorf("ContentRange.String() = %q, want %q", got, want)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want ContentRange
	}{
		{in: "bytes 0-499/1000", ok: true, want: ContentRange{Start: 0, End: 499, Full: 1000}},
		{in: "bytes */1000", ok: false},
		{in: "not-a-content-range", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseContentRange(tt.in)
			if ok != tt.ok {
				t.Fatalf("ParseContentRange(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseContentRange(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}
