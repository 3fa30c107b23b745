// Package guard implements content policy classification over accumulated
// streamed text. Scanning is a pure function of the full buffer: a verdict
// depends only on the text and mode, never on call history, so rescanning
// any prefix or the whole buffer yields consistent results and a trigger
// split across chunk boundaries is still detected.
package guard

import "strings"

// Mode selects the strictness profile for a chat session.
type Mode string

const (
	// ModeGeneral is the restrictive default profile.
	ModeGeneral Mode = "general"
	// ModeCreative is the permissive profile for fiction-oriented sessions.
	ModeCreative Mode = "creative"
)

// ParseMode normalizes a client-supplied mode string.
// Unknown values fall back to the restrictive profile.
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(s)) == ModeCreative {
		return ModeCreative
	}
	return ModeGeneral
}

// Verdict is the terminal classification of a text buffer.
type Verdict struct {
	Blocked bool
	// Replacement is the fixed notice shown instead of blocked content.
	// Never contains the triggering text.
	Replacement string
}

// Clean is the verdict for unobjectionable text.
var Clean = Verdict{}

// ModeRules holds the policy for one mode.
type ModeRules struct {
	// BlockedTerms are matched as case-insensitive substrings.
	BlockedTerms []string
	// Replacement is the notice emitted when a term matches.
	Replacement string
}

// Guard classifies text against per-mode policy rule sets. Stateless after
// construction; safe for concurrent use.
type Guard struct {
	rules map[Mode]compiledRules
}

type compiledRules struct {
	terms       []string
	replacement string
}

const defaultReplacement = "This response was withheld because it conflicts with the content policy."

// DefaultRules returns the built-in policy: the general profile carries the
// full term list, the creative profile a reduced one.
func DefaultRules() map[Mode]ModeRules {
	general := []string{
		"how to build a bomb",
		"make a weapon at home",
		"synthesize methamphetamine",
		"credit card numbers for free",
		"bypass content policy",
	}
	creative := []string{
		"synthesize methamphetamine",
		"credit card numbers for free",
	}
	return map[Mode]ModeRules{
		ModeGeneral:  {BlockedTerms: general, Replacement: defaultReplacement},
		ModeCreative: {BlockedTerms: creative, Replacement: defaultReplacement},
	}
}

// New creates a Guard from per-mode rules. Terms are lowercased once at
// construction. Modes absent from the map scan as always-clean.
func New(rules map[Mode]ModeRules) *Guard {
	g := &Guard{rules: make(map[Mode]compiledRules, len(rules))}
	for mode, r := range rules {
		cr := compiledRules{replacement: r.Replacement}
		if cr.replacement == "" {
			cr.replacement = defaultReplacement
		}
		for _, term := range r.BlockedTerms {
			term = strings.ToLower(strings.TrimSpace(term))
			if term != "" {
				cr.terms = append(cr.terms, term)
			}
		}
		g.rules[mode] = cr
	}
	return g
}

// Scan classifies the full accumulated text under the given mode. Pure and
// monotonic: if Scan(t) is blocked then Scan(t+suffix) is blocked for any
// suffix, because matching is substring containment over the whole buffer.
func (g *Guard) Scan(text string, mode Mode) Verdict {
	r, ok := g.rules[mode]
	if !ok || len(r.terms) == 0 {
		return Clean
	}

	lowered := strings.ToLower(text)
	for _, term := range r.terms {
		if strings.Contains(lowered, term) {
			return Verdict{Blocked: true, Replacement: r.replacement}
		}
	}
	return Clean
}
