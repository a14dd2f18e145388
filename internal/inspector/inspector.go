// Package inspector does the lexical work behind completion and inspection:
// it finds the dotted name chain under the cursor and pulls doc comments and
// source excerpts out of Lua files. All of it runs over chroma's Lua token
// stream, so names inside strings and comments are never picked up.
package inspector

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var (
	// A long bracket that the lexer left as punctuation was never closed.
	openLongString  = regexp.MustCompile(`^\[=*\[`)
	openLongComment = regexp.MustCompile(`^--\[=*\[`)
)

// Inspector tokenizes Lua source.
type Inspector struct {
	lexer     chroma.Lexer
	formatter chroma.Formatter
	style     *chroma.Style
}

// New returns an Inspector using chroma's Lua lexer and its 8-colour
// terminal formatter.
func New() *Inspector {
	return &Inspector{
		lexer:     lexers.Get("lua"),
		formatter: formatters.TTY,
		style:     styles.Get("pygments"),
	}
}

func (in *Inspector) tokens(src string) ([]chroma.Token, error) {
	it, err := in.lexer.Tokenise(nil, strings.ReplaceAll(src, "\r\n", "\n"))
	if err != nil {
		return nil, err
	}
	return it.Tokens(), nil
}

// LastObject splits the name chain ending at cursorPos into breadcrumbs:
// "assert(io.stdin:wr" yields ["io", "stdin", "wr"] with onlyMethods set,
// since the last separator is a colon. A chain ending in a separator yields
// an empty final breadcrumb. A colon is only accepted as the last separator.
// A cursor inside a string literal or comment yields nothing. cursorPos
// counts runes, as frontends do.
func (in *Inspector) LastObject(code string, cursorPos int) (breadcrumbs []string, onlyMethods bool) {
	runes := []rune(code)
	cursorPos = max(0, min(cursorPos, len(runes)))

	toks, err := in.tokens(string(runes[:cursorPos]))
	if err != nil || unterminated(toks) {
		return nil, false
	}
	toks = splitNames(toks)

	// Trailing run of names and member separators, innermost first.
	var run []chroma.Token
	for i := len(toks) - 1; i >= 0; i-- {
		t := toks[i]
		if !isName(t) && !isSeparator(t) {
			break
		}
		run = append(run, t)
	}
	if len(run) == 0 {
		return nil, false
	}

	var crumbs []string
	expectName := true
	for _, t := range run {
		switch {
		case expectName && isName(t):
			crumbs = append(crumbs, t.Value)
		case expectName:
			// Two separators in a row, or a chain ending in one.
			crumbs = append(crumbs, "")
			if !in.acceptSeparator(t, crumbs, &onlyMethods) {
				return finish(crumbs, onlyMethods)
			}
			continue
		case isSeparator(t):
			if !in.acceptSeparator(t, crumbs, &onlyMethods) {
				return finish(crumbs, onlyMethods)
			}
		default:
			return finish(crumbs, onlyMethods)
		}
		expectName = !expectName
	}
	return finish(crumbs, onlyMethods)
}

// acceptSeparator reports whether the chain continues past t. A colon only
// continues it as the last separator.
func (*Inspector) acceptSeparator(t chroma.Token, crumbs []string, onlyMethods *bool) bool {
	if t.Value != ":" {
		return true
	}
	if len(crumbs) > 1 {
		return false
	}
	*onlyMethods = true
	return true
}

func finish(crumbs []string, onlyMethods bool) ([]string, bool) {
	// A chain that ends on a separator, such as "f().x" or ".", has no
	// leading name.
	for len(crumbs) > 1 && crumbs[len(crumbs)-1] == "" {
		crumbs = crumbs[:len(crumbs)-1]
	}
	if len(crumbs) == 0 || (len(crumbs) == 1 && crumbs[0] == "") {
		return nil, false
	}
	for l, r := 0, len(crumbs)-1; l < r; l, r = l+1, r-1 {
		crumbs[l], crumbs[r] = crumbs[r], crumbs[l]
	}
	return crumbs, onlyMethods
}

func isName(t chroma.Token) bool {
	return t.Type.InCategory(chroma.Name)
}

func isSeparator(t chroma.Token) bool {
	return t.Type == chroma.Punctuation && (t.Value == "." || t.Value == ":")
}

// unterminated reports an open long string or block comment. The lexer only
// recognises those once closed; until then it falls back to punctuation and
// a line comment.
func unterminated(toks []chroma.Token) bool {
	var src strings.Builder
	for _, t := range toks {
		src.WriteString(t.Value)
	}
	text := src.String()

	off := 0
	for _, t := range toks {
		rest := text[off:]
		switch {
		case t.Type == chroma.Punctuation && openLongString.MatchString(rest):
			return true
		case t.Type == chroma.CommentSingle && openLongComment.MatchString(rest):
			return true
		}
		off += len(t.Value)
	}
	return false
}

// splitNames breaks the lexer's dotted name tokens ("io.stdin") into name
// and separator tokens.
func splitNames(toks []chroma.Token) []chroma.Token {
	out := make([]chroma.Token, 0, len(toks))
	for _, t := range toks {
		if !isName(t) || !strings.Contains(t.Value, ".") {
			out = append(out, t)
			continue
		}
		for i, part := range strings.Split(t.Value, ".") {
			if i > 0 {
				out = append(out, chroma.Token{Type: chroma.Punctuation, Value: "."})
			}
			if part != "" {
				out = append(out, chroma.Token{Type: t.Type, Value: part})
			}
		}
	}
	return out
}

// Doc returns the comments and blank lines directly above line in the file
// at path. Any other token ends the block.
func (in *Inspector) Doc(path string, line int) (string, error) {
	lines, err := readLines(path, line-1)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	toks, err := in.tokens(strings.Join(lines, "\n") + "\n")
	if err != nil {
		return "", fmt.Errorf("tokenize %s: %w", path, err)
	}

	start := len(toks)
	for start > 0 {
		t := toks[start-1]
		if !t.Type.InCategory(chroma.Comment) && !isBlank(t) {
			break
		}
		start--
	}

	var b strings.Builder
	for _, t := range toks[start:] {
		b.WriteString(t.Value)
	}
	return trimBlankLead(b.String()), nil
}

func isBlank(t chroma.Token) bool {
	return t.Type.InCategory(chroma.Text) && strings.TrimSpace(t.Value) == ""
}

// trimBlankLead drops whole blank lines before the first comment, keeping
// that comment's indentation.
func trimBlankLead(doc string) string {
	first := strings.IndexFunc(doc, func(r rune) bool { return r != ' ' && r != '\t' && r != '\n' })
	if first < 0 {
		return ""
	}
	cut := strings.LastIndexByte(doc[:first], '\n') + 1
	return doc[cut:]
}

// Source returns lines start through end (1-based, inclusive) of path,
// highlighted for a terminal.
func (in *Inspector) Source(path string, start, end int) (string, error) {
	if start < 1 || end < start {
		return "", fmt.Errorf("invalid line range %d-%d", start, end)
	}
	lines, err := readLines(path, end)
	if err != nil {
		return "", err
	}
	if start > len(lines) {
		return "", nil
	}
	excerpt := strings.Join(lines[start-1:], "\n") + "\n"

	it, err := in.lexer.Tokenise(nil, excerpt)
	if err != nil {
		return "", fmt.Errorf("tokenize %s: %w", path, err)
	}
	var b strings.Builder
	if err := in.formatter.Format(&b, in.style, it); err != nil {
		return "", fmt.Errorf("highlight %s: %w", path, err)
	}
	return b.String(), nil
}

// readLines reads at most max lines.
func readLines(path string, max int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for len(lines) < max && sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}
