package geo

import "testing"

func degreeSquare() Geometry {
	return Geometry{SRID: CRSWGS84, Polygons: []Polygon{{
		Exterior: Ring{{X: 7, Y: 50}, {X: 8, Y: 50}, {X: 8, Y: 51}, {X: 7, Y: 51}},
	}}}
}

func TestCoverIndex_InteriorFastPath(t *testing.T) {
	idx, err := NewCoverIndex(degreeSquare(), 5)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	covered, certain := idx.Covers(Point{X: 7.5, Y: 50.5})
	if !covered || !certain {
		t.Fatalf("deep interior point: covered=%v certain=%v", covered, certain)
	}
}

func TestCoverIndex_OutsideIsNeverCertain(t *testing.T) {
	idx, err := NewCoverIndex(degreeSquare(), 5)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	covered, certain := idx.Covers(Point{X: 20, Y: 20})
	if covered {
		t.Fatal("far away point must not be covered")
	}
	if certain {
		t.Fatal("a miss can still be a boundary point, it is never certain")
	}
}

func TestCoverIndex_CellsAreSorted(t *testing.T) {
	idx, err := NewCoverIndex(degreeSquare(), 5)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	cells := idx.Cells()
	if len(cells) == 0 {
		t.Fatal("a one degree square must produce cells at resolution 5")
	}
	for i := 1; i < len(cells); i++ {
		if cells[i-1] > cells[i] {
			t.Fatalf("cells not sorted at %d: %s > %s", i, cells[i-1], cells[i])
		}
	}
}
