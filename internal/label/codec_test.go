package label

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		raw  string
		want Label
	}{
		{"Sup | Jane Doe | 77001", Label{"Sup", "Jane Doe", "77001"}},
		{"Jane Doe | 77001", Label{"", "Jane Doe", "77001"}},
		{"Jane Doe", Label{"", "Jane Doe", ""}},
		{"", Label{}},
		// Parentheticals and stray digits are noise around the name;
		// the last numeric token wins as the external id.
		{"Sup | Jane Doe (99) 12345 | 77001", Label{"Sup", "Jane Doe", "77001"}},
		{"Rec | John 42 Smith | 555", Label{"Rec", "John Smith", "555"}},
		{"Sup | Jane Doe | " + Placeholder, Label{"Sup", "Jane Doe", Placeholder}},
	}
	for _, tc := range cases {
		got := Parse(tc.raw)
		if got != tc.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestRender(t *testing.T) {
	got := Render("Sup", "Jane Doe", "77001", "")
	if got != "Sup | Jane Doe | 77001" {
		t.Fatalf("got %q", got)
	}
	if n := runeLen(got); n > MaxLen {
		t.Fatalf("label %q is %d runes", got, n)
	}
}

func TestRenderFallbacks(t *testing.T) {
	if got := Render("Sup", "", "77001", "jdoe"); got != "Sup | jdoe | 77001" {
		t.Fatalf("fallback handle: got %q", got)
	}
	if got := Render("Sup", "", "77001", ""); got != "Sup | User | 77001" {
		t.Fatalf("no name at all: got %q", got)
	}
	if got := Render("", "Jane", "", ""); got != "Jane | "+Placeholder {
		t.Fatalf("placeholder id: got %q", got)
	}
}

func TestRenderTruncation(t *testing.T) {
	long := "Maximiliano Alexander Rodriguez"
	got := Render("Sup", long, "77001", "")
	if n := runeLen(got); n > MaxLen {
		t.Fatalf("truncated label %q is still %d runes", got, n)
	}
	// The name is cut, not the id or tag.
	parsed := Parse(got)
	if parsed.RankTag != "Sup" || parsed.ExternalID != "77001" {
		t.Fatalf("tag or id lost in truncation: %+v", parsed)
	}
}

func TestRenderHardCut(t *testing.T) {
	// Even after the name cut a long tag can overflow; the last rung
	// strips spaces and slices at the limit.
	got := Render("Supervisor-General", "Maximiliano Alexander", "7700123456", "")
	if n := runeLen(got); n > MaxLen {
		t.Fatalf("hard-cut label %q is %d runes", got, n)
	}
}

func TestRoundTripIdempotent(t *testing.T) {
	for _, raw := range []string{
		"Sup | Jane Doe (99) 12345 | 77001",
		"Rec | John 42 Smith | 555",
		"plain old handle",
	} {
		first := Parse(raw)
		rendered := Render(first.RankTag, first.Name, first.ExternalID, "handle")
		second := Parse(rendered)
		again := Render(second.RankTag, second.Name, second.ExternalID, "handle")
		if rendered != again {
			t.Errorf("render of %q not idempotent: %q then %q", raw, rendered, again)
		}
	}
}
