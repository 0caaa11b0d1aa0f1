// Package compress implements entity compression for conversation history.
// Repeated long strings (paths, class names, function names, URLs) are
// replaced in place with short IDs (E1, E2, ...) and restored losslessly via
// a legend. Compression is orthogonal to compaction: it shortens text without
// discarding information.
package compress

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"codi/internal/logging"
	"codi/internal/types"
)

// EntityKind classifies what a compressed entity refers to.
type EntityKind string

const (
	KindPath     EntityKind = "path"
	KindClass    EntityKind = "class"
	KindFunction EntityKind = "function"
	KindURL      EntityKind = "url"
)

// Entity is one repeated string worth compressing. IDs are assigned in the
// scanner's discovery order (see occurrence.seq).
type Entity struct {
	ID             string     `json:"id"`
	Value          string     `json:"value"`
	Kind           EntityKind `json:"kind"`
	Count          int        `json:"count"`
	FirstSeenIndex int        `json:"first_seen_index"`
}

// Savings is the character count saved by substituting this entity
// everywhere it occurs. An entity is only worth materializing when positive.
func (e Entity) Savings() int {
	return (len(e.Value) - 3) * e.Count
}

// Result is the outcome of compressing a message slice.
type Result struct {
	Messages         []types.Message
	Entities         map[string]Entity
	OriginalSize     int
	CompressedSize   int
	CompressionRatio float64
}

// StreamResult is one step of streaming decompression. Remaining holds a
// trailing partial ID that could not yet be resolved; the caller prepends it
// to the next chunk.
type StreamResult struct {
	Decompressed string
	Remaining    string
}

// minEntityLength is the shortest value with positive savings at count >= 2:
// (len-3)*count > 0 requires len >= 4.
const minEntityLength = 4

var (
	urlPattern  = regexp.MustCompile(`https?://[^\s"')\]}>]+`)
	pathPattern = regexp.MustCompile(`(?:\.{1,2}/|/)?(?:[A-Za-z0-9_.@-]+/)+[A-Za-z0-9_.@-]+`)
	// Class: capitalized identifier of length >= 3.
	classPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9]{2,}\b`)
	// Function: lowercase identifier in a call context.
	funcCallPattern = regexp.MustCompile(`\b([a-z][A-Za-z0-9]*)\s*\(`)
	idPattern       = regexp.MustCompile(`E\d+`)
)

// Compressor detects and substitutes repeated entities in message text.
type Compressor struct {
	minLength int
}

// NewCompressor creates a compressor with default thresholds.
func NewCompressor() *Compressor {
	return &Compressor{minLength: minEntityLength}
}

// occurrence is an internal scan hit before materialization. seq is the
// discovery order of the scanner: recognizers run in priority order, matches
// in positional order within each recognizer. IDs follow seq.
type occurrence struct {
	value string
	kind  EntityKind
	first int
	seq   int
	count int
}

// ExtractEntities scans the concatenated textual content of messages and
// returns the entities worth compressing, keyed by ID. Only values occurring
// at least twice with positive savings are retained; IDs run E1..En in
// discovery order: recognizer priority first, then position in the text.
func (c *Compressor) ExtractEntities(messages []types.Message) map[string]Entity {
	text := joinMessages(messages)
	if text == "" {
		return map[string]Entity{}
	}

	timer := logging.StartTimer(logging.CategoryCompress, "ExtractEntities")
	defer timer.Stop()

	found := make(map[string]*occurrence)
	masked := []byte(text)
	nextSeq := 0

	// Recognizers run in priority order; each match is masked out so a URL
	// is not re-counted as a path, nor a path segment as an identifier.
	scan := func(re *regexp.Regexp, kind EntityKind, group int) {
		for _, loc := range re.FindAllSubmatchIndex(masked, -1) {
			start, end := loc[2*group], loc[2*group+1]
			if start < 0 {
				continue
			}
			// Sentence punctuation glued to a path or URL is not part of it.
			for end > start && (text[end-1] == '.' || text[end-1] == ',' || text[end-1] == ':' || text[end-1] == ';') {
				end--
			}
			value := text[start:end]
			if len(value) < c.minLength {
				continue
			}
			if kind == KindPath && strings.Count(value, "/") < 1 {
				continue
			}
			if occ, ok := found[value]; ok {
				occ.count++
			} else {
				found[value] = &occurrence{value: value, kind: kind, first: start, seq: nextSeq, count: 1}
				nextSeq++
			}
			for i := start; i < end; i++ {
				masked[i] = ' '
			}
		}
	}

	scan(urlPattern, KindURL, 0)
	scan(pathPattern, KindPath, 0)
	scan(classPattern, KindClass, 0)
	scan(funcCallPattern, KindFunction, 1)

	// Retain entities with count >= 2 and positive savings, ordered by first
	// appearance.
	var kept []*occurrence
	for _, occ := range found {
		if occ.count < 2 {
			continue
		}
		if (len(occ.value)-3)*occ.count <= 0 {
			continue
		}
		kept = append(kept, occ)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].seq < kept[j].seq })

	entities := make(map[string]Entity, len(kept))
	for i, occ := range kept {
		id := fmt.Sprintf("E%d", i+1)
		entities[id] = Entity{
			ID:             id,
			Value:          occ.value,
			Kind:           occ.kind,
			Count:          occ.count,
			FirstSeenIndex: occ.first,
		}
	}

	logging.CompressDebug("ExtractEntities: %d candidates, %d retained", len(found), len(entities))
	return entities
}

// Compress substitutes entity values with their IDs across all message text,
// preserving block structure. The original messages are not modified.
func (c *Compressor) Compress(messages []types.Message) Result {
	entities := c.ExtractEntities(messages)

	originalSize := len(joinMessages(messages))
	if len(entities) == 0 {
		return Result{
			Messages:         messages,
			Entities:         entities,
			OriginalSize:     originalSize,
			CompressedSize:   originalSize,
			CompressionRatio: 1.0,
		}
	}

	// Longest value first so an entity embedded in a longer one (a class
	// name inside a path) never clobbers it.
	ordered := entitiesByValueLength(entities)

	out := make([]types.Message, len(messages))
	for i, m := range messages {
		out[i] = m.MapText(func(s string) string {
			for _, e := range ordered {
				s = strings.ReplaceAll(s, e.Value, e.ID)
			}
			return s
		})
	}

	compressedSize := len(joinMessages(out))
	ratio := 1.0
	if compressedSize > 0 {
		ratio = float64(originalSize) / float64(compressedSize)
	}

	logging.Compress("Compressed %d messages: %d -> %d bytes (%.2fx, %d entities)",
		len(messages), originalSize, compressedSize, ratio, len(entities))

	return Result{
		Messages:         out,
		Entities:         entities,
		OriginalSize:     originalSize,
		CompressedSize:   compressedSize,
		CompressionRatio: ratio,
	}
}

// GenerateLegend emits the deterministic markdown legend used to prime
// decompression, grouped by kind.
func GenerateLegend(entities map[string]Entity) string {
	if len(entities) == 0 {
		return ""
	}

	byKind := make(map[EntityKind][]Entity)
	for _, e := range entities {
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}

	var b strings.Builder
	b.WriteString("## Entity References\n")
	for _, kind := range []EntityKind{KindPath, KindClass, KindFunction, KindURL} {
		group := byKind[kind]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return idNumber(group[i].ID) < idNumber(group[j].ID) })
		b.WriteString(fmt.Sprintf("\n### %s\n", kindHeading(kind)))
		for _, e := range group {
			b.WriteString(fmt.Sprintf("- %s = %s\n", e.ID, e.Value))
		}
	}
	return b.String()
}

// Decompress replaces entity IDs with their values. Matching is
// greedy-longest: when E1 and E12 both exist, the text "E12" resolves to E12.
func Decompress(text string, entities map[string]Entity) string {
	if len(entities) == 0 || text == "" {
		return text
	}
	return idPattern.ReplaceAllStringFunc(text, func(token string) string {
		// The pattern consumes the longest digit run; fall back through
		// shorter prefixes so "E123" with only E12 known still resolves.
		for end := len(token); end >= 2; end-- {
			if e, ok := entities[token[:end]]; ok {
				return e.Value + token[end:]
			}
		}
		return token
	})
}

// DecompressStreaming decompresses one chunk of a stream. A trailing token
// matching E\d* that could still be the prefix of a known longer ID is held
// back in Remaining; the caller prepends it to the next chunk. Applied to any
// split of a stream, the concatenated output equals single-shot Decompress.
func DecompressStreaming(chunk string, entities map[string]Entity) StreamResult {
	if len(entities) == 0 {
		return StreamResult{Decompressed: chunk}
	}

	hold := trailingPartialID(chunk, entities)
	head := chunk[:len(chunk)-len(hold)]
	return StreamResult{
		Decompressed: Decompress(head, entities),
		Remaining:    hold,
	}
}

// trailingPartialID returns the trailing "E" + digits suffix of chunk that
// must be held back because more digits could still arrive and extend it to
// a different known ID.
func trailingPartialID(chunk string, entities map[string]Entity) string {
	// Find a trailing run of digits preceded by 'E'.
	end := len(chunk)
	i := end
	for i > 0 && chunk[i-1] >= '0' && chunk[i-1] <= '9' {
		i--
	}
	if i == 0 || chunk[i-1] != 'E' {
		return ""
	}
	token := chunk[i-1:]

	// Held back only while some known ID strictly extends the token.
	for id := range entities {
		if len(id) > len(token) && strings.HasPrefix(id, token) {
			return token
		}
	}
	return ""
}

func entitiesByValueLength(entities map[string]Entity) []Entity {
	ordered := make([]Entity, 0, len(entities))
	for _, e := range entities {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].Value) != len(ordered[j].Value) {
			return len(ordered[i].Value) > len(ordered[j].Value)
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

func joinMessages(messages []types.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.JoinedText())
	}
	return strings.Join(parts, "\n")
}

func kindHeading(kind EntityKind) string {
	switch kind {
	case KindPath:
		return "Paths"
	case KindClass:
		return "Classes"
	case KindFunction:
		return "Functions"
	case KindURL:
		return "URLs"
	}
	return string(kind)
}

func idNumber(id string) int {
	n := 0
	for _, r := range id[1:] {
		n = n*10 + int(r-'0')
	}
	return n
}
