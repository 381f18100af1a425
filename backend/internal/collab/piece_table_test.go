package collab

import (
	"testing"

	"collabsync/backend/internal/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != 11 {
		t.Fatalf("Len() = %d, want %d", gotLen, 11)
	}
}

func TestPieceTable_InsertAndDeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")

	var d delta.Delta
	d = d.Retain(5, nil).Insert(" big")
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "Hello big world" {
		t.Fatalf("String() = %q", got)
	}

	// 删除跨越 original/add/original 三段："lo big w"
	d = delta.Delta{}.Retain(3, nil).Delete(8)
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got, want := pt.String(), "Helorld"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if pt.Len() != 7 {
		t.Fatalf("Len() = %d, want 7", pt.Len())
	}
}

func TestPieceTable_DeleteTailOfPieceThenNext(t *testing.T) {
	pt := NewPieceTable("")
	_ = pt.Apply(delta.Delta{}.Insert("abc"))
	_ = pt.Apply(delta.Delta{}.Retain(3, nil).Insert("def"))

	if err := pt.Apply(delta.Delta{}.Retain(1, nil).Delete(4)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "af" {
		t.Fatalf("String() = %q, want %q", got, "af")
	}
}

func TestPieceTable_MultiByteRunes(t *testing.T) {
	pt := NewPieceTable("你好")
	if err := pt.Apply(delta.Delta{}.Retain(1, nil).Insert("们")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "你们好" {
		t.Fatalf("String() = %q", got)
	}
}

func TestPieceTable_OutOfRangeIsError(t *testing.T) {
	pt := NewPieceTable("abc")
	if err := pt.Apply(delta.Delta{}.Retain(2, nil).Delete(5)); err == nil {
		t.Fatalf("expected error for delete past end")
	}
	if err := pt.Apply(delta.Delta{}.Retain(9, nil)); err == nil {
		t.Fatalf("expected error for retain past end")
	}
}
