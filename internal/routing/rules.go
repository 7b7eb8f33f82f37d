package routing

import (
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// Matcher reports whether a lower-cased task description belongs to a family.
type Matcher func(lowered string) bool

// Rule binds a specialty tag to the matcher that detects it.
type Rule struct {
	Tag     string
	Matcher Matcher
}

// Family is the data form of a keyword rule, as found in configuration.
type Family struct {
	Tag      string   `mapstructure:"tag" yaml:"tag" json:"tag"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords" json:"keywords"`
}

// DefaultFamilies are used when no families are configured.
func DefaultFamilies() []Family {
	return []Family{
		{Tag: "technical", Keywords: []string{
			"code", "coding", "implement", "function", "bug", "debug", "fix", "api",
			"endpoint", "backend", "frontend", "database", "sql", "refactor", "test",
			"deploy", "login", "script", "compile", "algorithm", "server", "query",
		}},
		{Tag: "creative", Keywords: []string{
			"story", "dialogue", "dialog", "narrative", "character", "poem", "poetry",
			"lyric", "fiction", "novel", "plot", "scene", "screenplay",
		}},
		{Tag: "planning", Keywords: []string{
			"architecture", "architect", "plan", "roadmap", "design", "strategy",
			"milestone", "requirement", "schedule", "blueprint",
		}},
	}
}

// minPrefixLen is the shortest keyword that also matches longer words
// ("implement" matches "implementation"); shorter ones must match exactly.
const minPrefixLen = 4

// KeywordMatcher matches when any keyword appears as a word, as a word
// prefix for keywords of four or more letters, or as a phrase for keywords
// containing spaces.
func KeywordMatcher(keywords ...string) Matcher {
	var words, phrases []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		switch {
		case kw == "":
		case strings.ContainsRune(kw, ' '):
			phrases = append(phrases, strings.Join(strings.Fields(kw), " "))
		default:
			words = append(words, kw)
		}
	}
	words = lo.Uniq(words)

	return func(lowered string) bool {
		tokens := tokenize(lowered)
		for _, tok := range tokens {
			for _, kw := range words {
				if tok == kw || (len(kw) >= minPrefixLen && strings.HasPrefix(tok, kw)) {
					return true
				}
			}
		}
		if len(phrases) == 0 {
			return false
		}
		joined := " " + strings.Join(tokens, " ") + " "
		return lo.SomeBy(phrases, func(p string) bool {
			return strings.Contains(joined, " "+p+" ")
		})
	}
}

// RulesFromFamilies turns configured families into rules, keeping order.
// Families with no tag or no keywords are skipped.
func RulesFromFamilies(families []Family) []Rule {
	rules := make([]Rule, 0, len(families))
	for _, f := range families {
		tag := strings.ToLower(strings.TrimSpace(f.Tag))
		if tag == "" || len(lo.Compact(f.Keywords)) == 0 {
			continue
		}
		rules = append(rules, Rule{Tag: tag, Matcher: KeywordMatcher(f.Keywords...)})
	}
	return rules
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
