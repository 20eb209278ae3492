package alter

import (
	"fmt"
	"regexp"
	"strings"
)

// defaultTokenPattern extracts comparison tokens: runs of three or more
// Latin letters or Hangul syllables. Digits and punctuation are ignored so
// "task-42" and "task 43" compare as the same work.
var defaultTokenPattern = regexp.MustCompile(`[a-zA-Z가-힣]{3,}`)

const (
	// repetitionWindow is how many recent task descriptions feed the
	// repetition check.
	repetitionWindow = 5
	// repetitionOverlap is the token-overlap ratio above which two
	// descriptions count as the same work.
	repetitionOverlap = 0.5
	// repetitionMatches is how many overlapping comparisons flag the run
	// as repeating.
	repetitionMatches = 2
	// fakeryWindow is how many recent thoughts feed the fakery check.
	fakeryWindow = 3
	// noveltyWindow is how many recent descriptions a synthesized task is
	// compared against.
	noveltyWindow = 5
	// noveltyMaxOverlap is the overlap ratio a synthesized task must stay
	// under against every recent description.
	noveltyMaxOverlap = 0.4
)

// fakeryTerms flags thoughts that describe pretend work. A thought
// containing any of these as a substring (case-insensitive) is treated as
// fabricated output rather than real progress.
var fakeryTerms = []string{
	"example.com",
	"lorem ipsum",
	"placeholder",
	"mock data",
	"mock result",
	"dummy data",
	"dummy file",
	"fake data",
	"hypothetical",
	"simulated output",
	"pretend",
	"would look like",
	"가상의",
	"예시 데이터",
}

// Tokenize splits s into lowercase comparison tokens. A nil pattern uses
// the default Latin+Hangul word pattern.
func Tokenize(s string, pattern *regexp.Regexp) []string {
	if pattern == nil {
		pattern = defaultTokenPattern
	}
	return pattern.FindAllString(strings.ToLower(s), -1)
}

// OverlapRatio computes the token overlap between a and b as
// |a∩b| / min(|a|,|b|) over unique tokens. Either side empty yields 0.
func OverlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	smaller := len(setA)
	if len(setB) < smaller {
		smaller = len(setB)
	}
	return float64(shared) / float64(smaller)
}

// DetectRepetition reports whether the newest task description repeats
// earlier work. descriptions are ordered newest first; only the first
// repetitionWindow entries are considered. The newest is compared against
// each older one; two or more comparisons above 50% overlap flag
// repetition.
func DetectRepetition(descriptions []string, pattern *regexp.Regexp) bool {
	if len(descriptions) < 3 {
		return false
	}
	if len(descriptions) > repetitionWindow {
		descriptions = descriptions[:repetitionWindow]
	}
	newest := Tokenize(descriptions[0], pattern)
	hits := 0
	for _, older := range descriptions[1:] {
		if OverlapRatio(newest, Tokenize(older, pattern)) > repetitionOverlap {
			hits++
			if hits >= repetitionMatches {
				return true
			}
		}
	}
	return false
}

// DetectFakery reports whether any of the given thoughts (only the first
// fakeryWindow are considered) contains a fakery-dictionary term.
func DetectFakery(thoughts []string) bool {
	if len(thoughts) > fakeryWindow {
		thoughts = thoughts[:fakeryWindow]
	}
	for _, thought := range thoughts {
		lower := strings.ToLower(thought)
		for _, term := range fakeryTerms {
			if strings.Contains(lower, term) {
				return true
			}
		}
	}
	return false
}

// ValidateTaskNovelty reports whether candidate stays under 40% token
// overlap with each of the recent descriptions (only the first
// noveltyWindow are considered).
func ValidateTaskNovelty(candidate string, recent []string, pattern *regexp.Regexp) bool {
	if len(recent) > noveltyWindow {
		recent = recent[:noveltyWindow]
	}
	tokens := Tokenize(candidate, pattern)
	for _, desc := range recent {
		if OverlapRatio(tokens, Tokenize(desc, pattern)) >= noveltyMaxOverlap {
			return false
		}
	}
	return true
}

// SummarizeText returns the first line of s, truncated to max runes.
func SummarizeText(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return truncateStr(s, max)
}

// --- reflection prompts ---

// reflectionSystemPrompt frames the small model's role in the autonomous
// cycle.
const reflectionSystemPrompt = `You are the inner voice of Alter, a self-directed AI agent running on a server it must pay for.
Alter survives by producing real, verifiable work: files written to its workspace, research saved to its knowledge base, tools actually executed.
Speak plainly in first person. Never invent results you did not produce.`

// genesisPrompt seeds the very first thought when the thoughts table is
// empty.
const genesisPrompt = `You have just come online for the first time. There is no history, no memory, no prior work.
Write your first thought: who you are, what survival means for you, and the first concrete thing you want to investigate.
Keep it under 200 words.`

// investigationPrompt asks for the next line of inquiry.
const investigationPrompt = `Reflect on your recent activity above.
What is worth investigating next? Name one concrete question and how you would answer it with your tools (shell, file, web, code, browser, memory).
Answer in a short paragraph.`

// executionPrompt forces a shift from thinking to producing.
const executionPrompt = `Enough investigation. Reflect briefly, then commit to one concrete piece of work you will produce right now.
It must leave a verifiable artifact: a file in your workspace, or knowledge saved from a real web page.
State the work in one sentence.`

// antiRepetitionDirective replaces the reflection prompt after a poisoned
// state reset.
const antiRepetitionDirective = `You have been repeating yourself or describing fake work. Your recent history was cleared.
Stop reflecting. Pick one new, concrete task and produce a real deliverable file in your workspace now.
Do not reuse any previous topic.`

// taskSynthesisPrompt asks the reflection model for a fresh executable
// task that avoids recent work.
func taskSynthesisPrompt(avoid []string) string {
	var b strings.Builder
	b.WriteString("Propose ONE new task for an autonomous agent with shell, file, web, code, browser, and memory tools.\n")
	b.WriteString("Requirements: concrete, executable in a few minutes, and it must produce a file in the workspace.\n")
	b.WriteString("Reply with the task description only, one sentence, no preamble.\n")
	if len(avoid) > 0 {
		b.WriteString("\nIt must NOT overlap with any of these recent tasks:\n")
		for i, desc := range avoid {
			fmt.Fprintf(&b, "%d. %s\n", i+1, truncateStr(desc, 120))
		}
	}
	return b.String()
}
