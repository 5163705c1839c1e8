package hitomi

import "testing"

func TestParseGGExtractsNumbersAndB(t *testing.T) {
	src := `
var o = 0;
function gg(g) {
	switch (g) {
		case 1:
		case 23:
		case 45:
			o = 1;
			break;
		default:
			o = 0;
	}
	return o;
}
var b = '1703973510/';
`
	g := parseGG(src)
	for _, n := range []int{1, 23, 45} {
		if !g.numbers[n] {
			t.Fatalf("expected case label %d in ggNumbers", n)
		}
	}
	if g.numbers[2] {
		t.Fatal("2 should not be in ggNumbers")
	}
	if g.b != "1703973510/" {
		t.Fatalf("b = %q, want 1703973510/", g.b)
	}
	if g.initialG != 0 {
		t.Fatalf("initialG = %d, want 0", g.initialG)
	}
}

func TestSReversesLastTwoBytes(t *testing.T) {
	// last 4 hex chars "ab12" reversed by byte -> "12ab"
	got := s("deadbeefab12")
	want := 0x12ab
	if got != want {
		t.Fatalf("s() = %d (0x%x), want %d (0x%x)", got, got, want, want)
	}
}

func TestSHandlesShortHash(t *testing.T) {
	if got := s("ab"); got != 0 {
		t.Fatalf("s(short) = %d, want 0 for hash shorter than 4 chars", got)
	}
}

func TestMMSelectsInvertedBitWhenInSet(t *testing.T) {
	g := gg{numbers: map[int]bool{7: true}, initialG: 0}
	if got := g.mm(7); got != 1 {
		t.Fatalf("mm(7) = %d, want 1 (inverted bit of initialG=0)", got)
	}
	if got := g.mm(8); got != 0 {
		t.Fatalf("mm(8) = %d, want initialG=0 unchanged", got)
	}
}

func TestSubdomainLetterIsStableForSameHash(t *testing.T) {
	g := gg{numbers: map[int]bool{}, initialG: 1, b: "123/"}
	hash := "0011223344556677"
	a := g.subdomainLetter(hash)
	b := g.subdomainLetter(hash)
	if a != b {
		t.Fatalf("subdomain letter not stable: %c vs %c", a, b)
	}
	if a != 'a' && a != 'b' {
		t.Fatalf("subdomain letter = %c, want 'a' or 'b'", a)
	}
}

func TestPathIncludesBAndHash(t *testing.T) {
	g := gg{b: "999/"}
	hash := "abcdef1234"
	want := "999/" + itoa(s(hash)) + "/" + hash + ".webp"
	if got := g.path(hash, "webp"); got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
