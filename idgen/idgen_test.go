package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNanoID(t *testing.T) {
	gen := NanoID(16)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := gen()
		if len(id) != 16 {
			t.Fatalf("length: got %d", len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("unexpected character %q in %q", c, id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	a, b := gen(), gen()
	u, err := uuid.Parse(a)
	if err != nil {
		t.Fatal(err)
	}
	if u.Version() != 7 {
		t.Errorf("version: got %d", u.Version())
	}
	if a >= b {
		t.Errorf("not time-ordered: %s >= %s", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("evt_", Default)()
	if !strings.HasPrefix(id, "evt_") || len(id) != len("evt_")+36 {
		t.Errorf("prefixed id: %q", id)
	}
}
