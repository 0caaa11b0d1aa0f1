package chunker

import "regexp"

// blockStyle is how a language delimits the body that follows a pattern
// match.
type blockStyle int

const (
	styleBraces blockStyle = iota
	styleIndent
)

// pattern is one semantic recognizer. Patterns are matched per line; within
// a language the first listed pattern wins a shared start line.
type pattern struct {
	re   *regexp.Regexp
	kind ChunkKind
}

// language binds a pattern table to a block style.
type language struct {
	name     string
	style    blockStyle
	patterns []pattern
}

// languageTable maps file extensions to their language definitions.
var languageTable = map[string]*language{}

func register(lang *language, extensions ...string) {
	for _, ext := range extensions {
		languageTable[ext] = lang
	}
}

func init() {
	register(&language{
		name:  "go",
		style: styleBraces,
		patterns: []pattern{
			{regexp.MustCompile(`^func\s+\([^)]+\)\s+(\w+)`), KindMethod},
			{regexp.MustCompile(`^func\s+(\w+)`), KindFunction},
			{regexp.MustCompile(`^type\s+(\w+)\s+(?:struct|interface)\b`), KindClass},
		},
	}, ".go")

	register(&language{
		name:  "typescript",
		style: styleBraces,
		patterns: []pattern{
			{regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`), KindFunction},
			{regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+(\w+)`), KindClass},
			{regexp.MustCompile(`^\s*(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s+)?\([^)]*\)\s*(?::[^=]+)?=>`), KindFunction},
			{regexp.MustCompile(`^\s+(?:(?:public|private|protected|static|readonly|async)\s+)*(\w+)\s*\([^)]*\)\s*(?::\s*[\w<>\[\],. |&]+)?\s*\{`), KindMethod},
		},
	}, ".ts", ".tsx", ".js", ".jsx", ".mjs")

	register(&language{
		name:  "python",
		style: styleIndent,
		patterns: []pattern{
			{regexp.MustCompile(`^async\s+def\s+(\w+)`), KindFunction},
			{regexp.MustCompile(`^def\s+(\w+)`), KindFunction},
			{regexp.MustCompile(`^class\s+(\w+)`), KindClass},
			{regexp.MustCompile(`^\s+(?:async\s+)?def\s+(\w+)`), KindMethod},
		},
	}, ".py")

	register(&language{
		name:  "rust",
		style: styleBraces,
		patterns: []pattern{
			{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+(\w+)`), KindFunction},
			{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:struct|enum|trait)\s+(\w+)`), KindClass},
			{regexp.MustCompile(`^impl(?:<[^>]*>)?\s+(\w+)`), KindClass},
		},
	}, ".rs")

	register(&language{
		name:  "java",
		style: styleBraces,
		patterns: []pattern{
			{regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+)?(?:abstract\s+|final\s+)?(?:class|interface|enum)\s+(\w+)`), KindClass},
			{regexp.MustCompile(`^\s+(?:(?:public|private|protected|static|final|synchronized)\s+)+[\w<>\[\],. ]+\s+(\w+)\s*\([^)]*\)`), KindMethod},
		},
	}, ".java")

	register(&language{
		name:  "ruby",
		style: styleIndent,
		patterns: []pattern{
			{regexp.MustCompile(`^def\s+(\w+[?!]?)`), KindFunction},
			{regexp.MustCompile(`^class\s+(\w+)`), KindClass},
			{regexp.MustCompile(`^module\s+(\w+)`), KindClass},
			{regexp.MustCompile(`^\s+def\s+(\w+[?!]?)`), KindMethod},
		},
	}, ".rb")

	register(&language{
		name:  "c",
		style: styleBraces,
		patterns: []pattern{
			{regexp.MustCompile(`^[\w*]+[\w\s*]*\s[\w*]*(\w+)\s*\([^;]*$`), KindFunction},
			{regexp.MustCompile(`^(?:typedef\s+)?struct\s+(\w+)`), KindClass},
		},
	}, ".c", ".h", ".cpp", ".cc", ".hpp")
}

// LanguageFor returns the language name registered for an extension, or
// empty when the extension has no semantic patterns.
func LanguageFor(ext string) string {
	if lang, ok := languageTable[ext]; ok {
		return lang.name
	}
	return ""
}
