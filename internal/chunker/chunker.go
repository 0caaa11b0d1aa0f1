package chunker

import (
	"path/filepath"
	"sort"
	"strings"

	"codi/internal/logging"
)

// Config tunes chunk sizing. Sizes are in bytes of chunk content.
type Config struct {
	MinChunkSize int
	MaxChunkSize int
	ChunkOverlap int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinChunkSize: 48,
		MaxChunkSize: 2048,
		ChunkOverlap: 256,
	}
}

// Chunker splits file contents into chunks.
type Chunker struct {
	config Config
}

// New creates a chunker.
func New(config Config) *Chunker {
	if config.MaxChunkSize <= 0 {
		config = DefaultConfig()
	}
	return &Chunker{config: config}
}

// match is a recognized semantic start before its end is resolved.
type match struct {
	startLine int // 0-based
	kind      ChunkKind
	name      string
	order     int // pattern index, for tie-breaks
}

// ChunkFile splits content into semantic chunks for the file's language,
// falling back to fixed-size blocks when no pattern matches. Empty files
// produce no chunks.
func (c *Chunker) ChunkFile(absolutePath, relativePath, content string) []Chunk {
	if len(content) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryChunker, "ChunkFile")
	defer timer.Stop()

	ext := strings.ToLower(filepath.Ext(absolutePath))
	lang := languageTable[ext]
	langName := "text"
	if lang != nil {
		langName = lang.name
	}

	lines := strings.Split(content, "\n")

	var chunks []Chunk
	matched := false
	if lang != nil {
		chunks, matched = c.semanticChunks(absolutePath, relativePath, lang, lines)
	}
	if !matched {
		chunks = c.fallbackChunks(absolutePath, relativePath, langName, lines)
	}

	logging.ChunkerDebug("ChunkFile %s: %d chunks (%s)", relativePath, len(chunks), langName)
	return chunks
}

// semanticChunks runs the language's pattern table over the file. The bool
// reports whether any pattern matched; sizing may still drop every chunk.
func (c *Chunker) semanticChunks(absPath, relPath string, lang *language, lines []string) ([]Chunk, bool) {
	var matches []match
	for i, line := range lines {
		for order, p := range lang.patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name := ""
			if len(m) > 1 {
				name = m[1]
			}
			matches = append(matches, match{startLine: i, kind: p.kind, name: name, order: order})
			// First listed pattern wins the line.
			break
		}
	}
	if len(matches) == 0 {
		return nil, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].startLine != matches[j].startLine {
			return matches[i].startLine < matches[j].startLine
		}
		return matches[i].order < matches[j].order
	})

	var chunks []Chunk
	lastEnd := -1
	for i, m := range matches {
		var end int
		if lang.style == styleIndent {
			end = indentBlockEnd(lines, m.startLine)
		} else {
			end = braceBlockEnd(lines, m.startLine)
		}
		// A container's body is carved up by its inner matches; truncate at
		// the next semantic start so units never overlap.
		if i+1 < len(matches) && matches[i+1].startLine <= end {
			end = matches[i+1].startLine - 1
		}
		if m.startLine <= lastEnd {
			// Overlap with an already-produced chunk: discard.
			continue
		}
		if end < m.startLine {
			continue
		}
		lastEnd = end

		body := strings.Join(lines[m.startLine:end+1], "\n")
		chunks = append(chunks, c.sized(Chunk{
			ID:           ChunkID(absPath, m.startLine+1),
			RelativePath: relPath,
			AbsolutePath: absPath,
			Language:     lang.name,
			StartLine:    m.startLine + 1,
			EndLine:      end + 1,
			Content:      body,
			Kind:         m.kind,
			Name:         m.name,
		})...)
	}
	return chunks, true
}

// sized applies the min/max policies to one assembled chunk: undersized
// chunks are dropped, oversized ones split into overlapping sub-chunks where
// only the first keeps the semantic kind and name.
func (c *Chunker) sized(chunk Chunk) []Chunk {
	if len(chunk.Content) < c.config.MinChunkSize {
		return nil
	}
	if len(chunk.Content) <= c.config.MaxChunkSize {
		return []Chunk{chunk}
	}

	lines := strings.Split(chunk.Content, "\n")
	var out []Chunk
	first := true
	start := 0
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) {
			lineLen := len(lines[end]) + 1
			if size+lineLen > c.config.MaxChunkSize && end > start {
				break
			}
			size += lineLen
			end++
		}

		sub := Chunk{
			RelativePath: chunk.RelativePath,
			AbsolutePath: chunk.AbsolutePath,
			Language:     chunk.Language,
			StartLine:    chunk.StartLine + start,
			EndLine:      chunk.StartLine + end - 1,
			Content:      strings.Join(lines[start:end], "\n"),
			Kind:         KindBlock,
		}
		if first {
			sub.Kind = chunk.Kind
			sub.Name = chunk.Name
			first = false
		}
		sub.ID = ChunkID(sub.AbsolutePath, sub.StartLine)
		if len(sub.Content) >= c.config.MinChunkSize {
			out = append(out, sub)
		}

		if end >= len(lines) {
			break
		}
		start = end - overlapLines(lines, end, c.config.ChunkOverlap)
		if start <= sub.StartLine-chunk.StartLine {
			start = end
		}
	}
	return out
}

// fallbackChunks covers a file with no semantic matches: one whole-file
// chunk when it fits, fixed-size blocks with bounded overlap otherwise.
func (c *Chunker) fallbackChunks(absPath, relPath, langName string, lines []string) []Chunk {
	content := strings.Join(lines, "\n")
	if strings.TrimSpace(content) == "" || len(content) < c.config.MinChunkSize {
		return nil
	}

	if len(content) <= c.config.MaxChunkSize {
		return []Chunk{{
			ID:           ChunkID(absPath, 1),
			RelativePath: relPath,
			AbsolutePath: absPath,
			Language:     langName,
			StartLine:    1,
			EndLine:      len(lines),
			Content:      content,
			Kind:         KindFile,
		}}
	}

	whole := Chunk{
		RelativePath: relPath,
		AbsolutePath: absPath,
		Language:     langName,
		StartLine:    1,
		EndLine:      len(lines),
		Content:      content,
		Kind:         KindBlock,
	}
	return c.sized(whole)
}

// braceBlockEnd locates the line closing the brace block opened at or after
// startLine. Returns the last line of the file when the block never closes.
func braceBlockEnd(lines []string, startLine int) int {
	depth := 0
	opened := false
	for i := startLine; i < len(lines); i++ {
		for _, r := range lines[i] {
			switch r {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
		// A declaration with no block within a few lines is a signature
		// only (prototype, interface member); treat it as one line.
		if !opened && i-startLine >= 3 {
			return startLine
		}
	}
	if !opened {
		return startLine
	}
	return len(lines) - 1
}

// indentBlockEnd locates the end of an indentation block: the last line
// before a non-blank line indented at or below the definition line.
func indentBlockEnd(lines []string, startLine int) int {
	base := indentOf(lines[startLine])
	end := startLine
	for i := startLine + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if indentOf(lines[i]) <= base {
			return end
		}
		end = i
	}
	return end
}

func indentOf(line string) int {
	indent := 0
	for _, r := range line {
		switch r {
		case ' ':
			indent++
		case '\t':
			indent += 8
		default:
			return indent
		}
	}
	return indent
}

// overlapLines returns how many lines before end cover roughly overlap
// bytes.
func overlapLines(lines []string, end, overlap int) int {
	size := 0
	n := 0
	for i := end - 1; i >= 0 && size < overlap; i-- {
		size += len(lines[i]) + 1
		n++
	}
	return n
}
