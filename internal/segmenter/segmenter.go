// Package segmenter splits a script into an ordered list of text chunks,
// each carrying an estimated spoken duration no greater than a configured
// cap. The algorithm is deterministic: identical input and options always
// produce identical output, with no LLM call and no randomness involved.
//
// The grapheme/byte-offset handling mirrors the boundary-adjustment idiom
// used elsewhere in this codebase's lineage for LLM-assisted segmentation,
// adapted here to a purely rule-based splitter so chunk boundaries never
// fall inside a multi-byte grapheme cluster.
package segmenter

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"github.com/snappy-loop/longform/internal/apperr"
)

// Chunk is one emitted piece of a segmented script.
type Chunk struct {
	TextChunk   string
	DurationSec int
}

// Options configures the segmentation run.
type Options struct {
	SegmentSeconds    int // target duration per chunk
	MaxSegmentSeconds int // hard cap per chunk
	WPM               int // words per minute for duration estimation; 0 means DefaultWPM
	Locale            string
}

const DefaultWPM = 150

var (
	// ErrEmptyScript is returned when the script is empty after normalization.
	ErrEmptyScript = apperr.New(apperr.Validation, "empty_script", "script is empty after normalization")
)

// newChunkOverflow reports a single indivisible token exceeding the cap.
func newChunkOverflow(token string) error {
	return apperr.New(apperr.Validation, "chunk_overflow", "a single indivisible token exceeds max_segment_seconds: "+snippet(token))
}

func snippet(s string) string {
	const max = 40
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	whitespace   = regexp.MustCompile(`\s+`)

	// sentenceEnd matches a terminal punctuation run (Latin and CJK/Indic
	// full-width variants) optionally followed by closing quotes/brackets.
	sentenceEnd = regexp.MustCompile(`([.!?\x{3002}\x{FF01}\x{FF1F}\x{0964}\x{0965}]+)([\s"'\x{201D}\x{2019})\]]*)`)

	// clauseBoundary matches commas and semicolons, including the full-width
	// and ideographic commas; conjunctions are not matched. Used to split an
	// oversize sentence before falling back to fixed word count.
	clauseBoundary = regexp.MustCompile(`(,|;|\x{FF0C}|\x{3001})\s*`)
)

// Segment splits script into an ordered list of chunks per Options.
func Segment(script string, opts Options) ([]Chunk, error) {
	wpm := opts.WPM
	if wpm <= 0 {
		wpm = DefaultWPM
	}
	segSeconds := opts.SegmentSeconds
	if segSeconds <= 0 {
		segSeconds = opts.MaxSegmentSeconds
	}
	maxSeconds := opts.MaxSegmentSeconds
	if maxSeconds <= 0 {
		maxSeconds = segSeconds
	}

	normalized := normalize(script)
	if normalized == "" {
		return nil, ErrEmptyScript
	}

	units := splitSentences(normalized)
	if len(units) == 0 {
		return nil, ErrEmptyScript
	}

	var expanded []string
	for _, u := range units {
		dur := estimateDuration(u, wpm)
		if dur <= maxSeconds {
			expanded = append(expanded, u)
			continue
		}
		pieces, err := splitOversize(u, wpm, maxSeconds)
		if err != nil {
			return nil, err
		}
		expanded = append(expanded, pieces...)
	}

	chunks := pack(expanded, wpm, segSeconds, maxSeconds)
	return chunks, nil
}

// normalize collapses whitespace runs to a single space, strips control
// characters, and trims the result.
func normalize(s string) string {
	s = controlChars.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// splitSentences breaks text into sentence-like units on terminal
// punctuation. Every grapheme of the input is preserved across the
// returned units.
func splitSentences(text string) []string {
	var units []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		end := loc[1]
		unit := strings.TrimSpace(text[last:end])
		if unit != "" {
			units = append(units, unit)
		}
		last = end
	}
	if last < len(text) {
		tail := strings.TrimSpace(text[last:])
		if tail != "" {
			units = append(units, tail)
		}
	}
	if len(units) == 0 && text != "" {
		units = append(units, text)
	}
	return units
}

// estimateDuration estimates a unit's spoken duration in whole seconds at
// wpm, rounding up so short units never estimate to zero.
func estimateDuration(unit string, wpm int) int {
	words := wordCount(unit)
	if words == 0 {
		return 1
	}
	seconds := (words*60 + wpm - 1) / wpm
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// wordCount counts whitespace-delimited words for scripts that use spaces.
// CJK and Indic scripts commonly run many words together with no interior
// whitespace at all, so strings.Fields would see the whole run as a single
// field; for those, a grapheme-cluster count (scaled to an approximate
// chars-per-word ratio) is used instead.
func wordCount(unit string) int {
	if containsDenseScript(unit) {
		graphemes := countGraphemes(unit)
		const charsPerWord = 2
		return (graphemes + charsPerWord - 1) / charsPerWord
	}
	return len(strings.Fields(unit))
}

// containsDenseScript reports whether unit contains a character from a
// script that is conventionally written without inter-word whitespace
// (CJK or one of the Indic abugidas), for which strings.Fields undercounts.
func containsDenseScript(unit string) bool {
	for _, r := range unit {
		switch {
		case unicode.Is(unicode.Han, r),
			unicode.Is(unicode.Hiragana, r),
			unicode.Is(unicode.Katakana, r),
			unicode.Is(unicode.Hangul, r),
			unicode.Is(unicode.Devanagari, r),
			unicode.Is(unicode.Bengali, r),
			unicode.Is(unicode.Gujarati, r),
			unicode.Is(unicode.Gurmukhi, r),
			unicode.Is(unicode.Kannada, r),
			unicode.Is(unicode.Malayalam, r),
			unicode.Is(unicode.Oriya, r),
			unicode.Is(unicode.Tamil, r),
			unicode.Is(unicode.Telugu, r):
			return true
		}
	}
	return false
}

func countGraphemes(s string) int {
	n := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		n++
	}
	return n
}

// splitOversize reduces a too-long unit to pieces each estimating at or
// under maxSeconds, first on clause boundaries and finally by fixed word
// count.
func splitOversize(unit string, wpm, maxSeconds int) ([]string, error) {
	clauses := splitOnClauses(unit)
	var pieces []string
	for _, c := range clauses {
		if estimateDuration(c, wpm) <= maxSeconds {
			pieces = append(pieces, c)
			continue
		}
		words, err := splitByWordCount(c, wpm, maxSeconds)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, words...)
	}
	return pieces, nil
}

func splitOnClauses(unit string) []string {
	var out []string
	last := 0
	for _, loc := range clauseBoundary.FindAllStringIndex(unit, -1) {
		piece := strings.TrimSpace(unit[last:loc[1]])
		if piece != "" {
			out = append(out, piece)
		}
		last = loc[1]
	}
	if last < len(unit) {
		tail := strings.TrimSpace(unit[last:])
		if tail != "" {
			out = append(out, tail)
		}
	}
	if len(out) == 0 {
		out = append(out, unit)
	}
	return out
}

// splitByWordCount splits a clause into fixed-size word groups, each
// estimating at or under maxSeconds. Dense scripts (CJK/Indic) have no
// whitespace word boundaries to split on, so those are instead split into
// fixed-size grapheme-cluster groups. An indivisible single unit that still
// exceeds the cap is a chunk_overflow validation error (newChunkOverflow).
func splitByWordCount(clause string, wpm, maxSeconds int) ([]string, error) {
	if containsDenseScript(clause) {
		return splitByGraphemeCount(clause, wpm, maxSeconds)
	}

	fields := strings.Fields(clause)
	if len(fields) <= 1 {
		if estimateDuration(clause, wpm) > maxSeconds {
			return nil, newChunkOverflow(clause)
		}
		return []string{clause}, nil
	}

	maxWords := (maxSeconds * wpm) / 60
	if maxWords < 1 {
		maxWords = 1
	}

	var groups []string
	for i := 0; i < len(fields); i += maxWords {
		end := i + maxWords
		if end > len(fields) {
			end = len(fields)
		}
		group := strings.Join(fields[i:end], " ")
		if estimateDuration(group, wpm) > maxSeconds && end-i == 1 {
			return nil, newChunkOverflow(group)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// splitByGraphemeCount splits a dense-script clause into fixed-size
// grapheme-cluster groups, mirroring splitByWordCount's bucketing but over
// grapheme clusters rather than whitespace-delimited words (see wordCount's
// charsPerWord approximation for dense scripts).
func splitByGraphemeCount(clause string, wpm, maxSeconds int) ([]string, error) {
	var clusters []string
	gr := uniseg.NewGraphemes(clause)
	for gr.Next() {
		clusters = append(clusters, gr.Str())
	}
	if len(clusters) <= 1 {
		if estimateDuration(clause, wpm) > maxSeconds {
			return nil, newChunkOverflow(clause)
		}
		return []string{clause}, nil
	}

	const charsPerWord = 2
	maxWords := (maxSeconds * wpm) / 60
	if maxWords < 1 {
		maxWords = 1
	}
	maxClusters := maxWords * charsPerWord
	if maxClusters < 1 {
		maxClusters = 1
	}

	var groups []string
	for i := 0; i < len(clusters); i += maxClusters {
		end := i + maxClusters
		if end > len(clusters) {
			end = len(clusters)
		}
		group := strings.Join(clusters[i:end], "")
		if estimateDuration(group, wpm) > maxSeconds && end-i == 1 {
			return nil, newChunkOverflow(group)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// pack greedily packs units into segments whose cumulative estimated
// duration stays at or under segSeconds, clamping each emitted chunk's
// duration into [1, maxSeconds].
func pack(units []string, wpm, segSeconds, maxSeconds int) []Chunk {
	var chunks []Chunk
	var current []string
	currentDur := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, " ")
		dur := clamp(currentDur, 1, maxSeconds)
		chunks = append(chunks, Chunk{TextChunk: text, DurationSec: dur})
		current = nil
		currentDur = 0
	}

	for _, u := range units {
		dur := estimateDuration(u, wpm)
		if len(current) > 0 && currentDur+dur > segSeconds {
			flush()
		}
		current = append(current, u)
		currentDur += dur
	}
	flush()

	return chunks
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
