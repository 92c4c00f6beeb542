package textcodec

import (
	"strings"
	"testing"
)

func TestSplitFixedSizes(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 9000)
	chunks := Chunks(text, MaxMessageUnits)
	want := []int{4096, 4096, 808}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if UnitLen(c) != want[i] {
			t.Fatalf("chunk %d has %d units, want %d", i, UnitLen(c), want[i])
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks do not concatenate back to the input")
	}
}

func TestSplitKeepsSurrogatePairs(t *testing.T) {
	t.Parallel()
	// "a" + fire emoji: 1 + 2 units. Limit 2 must not cut the emoji in half.
	text := "a\U0001F525b"
	chunks := Chunks(text, 2)
	want := []string{"a", "\U0001F525", "b"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestSplitEdgeCases(t *testing.T) {
	t.Parallel()
	if got := Chunks("", 10); len(got) != 0 {
		t.Fatalf("empty text yielded %q", got)
	}
	if got := Chunks("hello", 0); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("default limit: got %q", got)
	}
	if got := Chunks("abcd", 4); len(got) != 1 {
		t.Fatalf("exact fit: got %q", got)
	}
	// Multi-byte BMP runes count as one unit each.
	if got := Chunks("ééé", 2); len(got) != 2 || got[0] != "éé" || got[1] != "é" {
		t.Fatalf("bmp runes: got %q", got)
	}
}

func TestSplitStopsEarly(t *testing.T) {
	t.Parallel()
	n := 0
	for range Split(strings.Repeat("x", 100), 10) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("iterated %d times, want 3", n)
	}
}

func TestDecodeEscapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "fire", in: "build ok 0x1F525 done", want: "build ok \U0001F525 done"},
		{name: "upper case", in: "0X1f525", want: "\U0001F525"},
		{name: "four digits", in: "[0x2705]", want: "[✅]"},
		{name: "plain", in: "nothing to see", want: "nothing to see"},
		{name: "too short", in: "0x12", want: "0x12"},
		{name: "multiple", in: "0x2705 and 0x274C", want: "✅ and ❌"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DecodeEscapes(tt.in); got != tt.want {
				t.Fatalf("DecodeEscapes(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeEscapesSingleCodePoint(t *testing.T) {
	t.Parallel()
	got := []rune(DecodeEscapes("0x1F525"))
	if len(got) != 1 || got[0] != 0x1F525 {
		t.Fatalf("decoded runes = %U", got)
	}
}

func TestDecodeEscapesLiteralDollar(t *testing.T) {
	t.Parallel()
	if got := DecodeEscapes("cost 0x0024"); got != "cost $" {
		t.Fatalf("got %q", got)
	}
}
