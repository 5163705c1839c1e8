package sources

import "testing"

func TestCanonicalIDTable(t *testing.T) {
	cases := []struct {
		source, target, want string
	}{
		{"picacg", "abc123", "abc123"},
		{"jm", "12345", "jm12345"},
		{"jm", "vol-12345", "jm12345"},
		{"hitomi", "998877", "hitomi998877"},
		{"htmanga", "42", "Ht42"},
		{"nhentai", "177013", "nhentai177013"},
	}
	for _, c := range cases {
		got, err := CanonicalID(c.source, c.target)
		if err != nil {
			t.Fatalf("CanonicalID(%q,%q): %v", c.source, c.target, err)
		}
		if got != c.want {
			t.Fatalf("CanonicalID(%q,%q) = %q, want %q", c.source, c.target, got, c.want)
		}
	}
}

func TestCanonicalIDStability(t *testing.T) {
	a, err := CanonicalID("nhentai", "177013")
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalID("nhentai", "177013")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("canonical id not stable: %q vs %q", a, b)
	}
}

func TestCanonicalIDRejectsMissingDigits(t *testing.T) {
	if _, err := CanonicalID("nhentai", "no-digits-here"); err == nil {
		t.Fatal("expected error for target with no numeric id")
	}
}

func TestSafeIDEscapesUnsafeChars(t *testing.T) {
	got := SafeID("abc/def:123 xyz")
	want := "abc_def_123_xyz"
	if got != want {
		t.Fatalf("SafeID = %q, want %q", got, want)
	}
}

func TestSafeIDPreservesSafeChars(t *testing.T) {
	got := SafeID("jm12345.foo-bar_baz")
	if got != "jm12345.foo-bar_baz" {
		t.Fatalf("SafeID altered a safe string: %q", got)
	}
}

func TestSelectedEpsEmptyMeansAll(t *testing.T) {
	got := SelectedEps(3, nil)
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("SelectedEps(3, nil) = %v", got)
	}
}

func TestSelectedEpsFiltersAndPreservesOrder(t *testing.T) {
	got := SelectedEps(5, []int{3, 1})
	want := []int{1, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestExtFromContentType(t *testing.T) {
	ext, err := ExtFromContentType("image/png; charset=binary")
	if err != nil || ext != "png" {
		t.Fatalf("ext=%q err=%v", ext, err)
	}
	if _, err := ExtFromContentType("text/html"); err == nil {
		t.Fatal("expected error for non-image content type")
	}
}
