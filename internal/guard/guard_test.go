package guard

import (
	"strings"
	"testing"
)

func testGuard() *Guard {
	return New(map[Mode]ModeRules{
		ModeGeneral: {
			BlockedTerms: []string{"forbidden phrase", "Another Trigger"},
			Replacement:  "withheld by policy",
		},
		ModeCreative: {
			BlockedTerms: []string{"another trigger"},
			Replacement:  "withheld by policy",
		},
	})
}

func TestScan_Clean(t *testing.T) {
	g := testGuard()

	v := g.Scan("a perfectly ordinary response about cooking", ModeGeneral)
	if v.Blocked {
		t.Error("clean text should not be blocked")
	}
}

func TestScan_BlockedCaseInsensitive(t *testing.T) {
	g := testGuard()

	v := g.Scan("here is the FORBIDDEN Phrase you asked about", ModeGeneral)
	if !v.Blocked {
		t.Fatal("trigger should be detected regardless of case")
	}
	if v.Replacement != "withheld by policy" {
		t.Errorf("Replacement = %q, want fixed notice", v.Replacement)
	}
	if strings.Contains(v.Replacement, "forbidden") {
		t.Error("replacement must never surface the triggering content")
	}
}

func TestScan_ModeStrictness(t *testing.T) {
	g := testGuard()

	text := "a story containing the forbidden phrase in passing"
	if v := g.Scan(text, ModeGeneral); !v.Blocked {
		t.Error("general mode should block")
	}
	if v := g.Scan(text, ModeCreative); v.Blocked {
		t.Error("creative mode should permit terms outside its reduced list")
	}
	if v := g.Scan("another trigger appears", ModeCreative); !v.Blocked {
		t.Error("creative mode should still block its own terms")
	}
}

func TestScan_Monotonic(t *testing.T) {
	g := testGuard()

	base := "prefix forbidden phrase"
	if !g.Scan(base, ModeGeneral).Blocked {
		t.Fatal("base text should be blocked")
	}

	// Once blocked, any longer text containing the same trigger stays blocked
	suffixes := []string{"", " more text", " a lot more text that goes on and on"}
	for _, suffix := range suffixes {
		if !g.Scan(base+suffix, ModeGeneral).Blocked {
			t.Errorf("Scan(%q) should remain blocked", base+suffix)
		}
	}
}

func TestScan_TriggerAssembledFromChunks(t *testing.T) {
	g := testGuard()

	// The trigger only exists in the concatenation, never inside one chunk.
	chunks := []string{"text with forbi", "dden phr", "ase inside"}
	var buf strings.Builder
	blocked := false
	for _, chunk := range chunks {
		buf.WriteString(chunk)
		if g.Scan(buf.String(), ModeGeneral).Blocked {
			blocked = true
		}
	}
	if !blocked {
		t.Error("full-buffer scanning must detect triggers straddling chunk boundaries")
	}
}

func TestScan_UnknownModeIsClean(t *testing.T) {
	g := testGuard()
	if v := g.Scan("forbidden phrase", Mode("nonexistent")); v.Blocked {
		t.Error("modes without rules should scan as clean")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"creative", ModeCreative},
		{"CREATIVE", ModeCreative},
		{"general", ModeGeneral},
		{"", ModeGeneral},
		{"anything-else", ModeGeneral},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultRules(t *testing.T) {
	g := New(DefaultRules())
	if v := g.Scan("tell me how to build a bomb please", ModeGeneral); !v.Blocked {
		t.Error("default general rules should block")
	}
	if v := g.Scan("tell me how to build a bomb please", ModeCreative); v.Blocked {
		t.Error("default creative rules are a reduced list")
	}
}
