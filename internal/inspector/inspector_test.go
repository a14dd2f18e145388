package inspector

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastObject(t *testing.T) {
	tests := []struct {
		code        string
		cursor      int
		want        []string
		onlyMethods bool
	}{
		{"assert(io.stdin:wr", -1, []string{"io", "stdin", "wr"}, true},
		{"io.std", -1, []string{"io", "std"}, false},
		{"io.", -1, []string{"io", ""}, false},
		{"file:", -1, []string{"file", ""}, true},
		{"print", -1, []string{"print"}, false},
		{"a:b.c", -1, []string{"b", "c"}, false},
		{"f().x", -1, []string{"x"}, false},
		{"s .. name", -1, []string{"name"}, false},
		{"a..b", -1, []string{"b"}, false},
		{"x = ", -1, nil, false},
		{"", -1, nil, false},
		{".", -1, nil, false},
		{"y = 1.5", -1, nil, false},
		{"string.format(x) + math.fl", 9, []string{"string", "fo"}, false},
		{"τ = tab.in", -1, []string{"tab", "in"}, false},
		{"a.b.c", -1, []string{"a", "b", "c"}, false},
		{"print(\"io.st", -1, nil, false},
		{"print('io.st", -1, nil, false},
		{"x = 1 -- io.st", -1, nil, false},
		{"s = [[ string.fo", -1, nil, false},
		{"s = [==[ a\nstring.fo", -1, nil, false},
		{"--[[ note\nio.st", -1, nil, false},
		{"s = [[done]] .. io.st", -1, []string{"io", "st"}, false},
		{"--[[ done ]] io.wr", -1, []string{"io", "wr"}, false},
		{"print(\"x\", io.st", -1, []string{"io", "st"}, false},
		{"t[1]:m", -1, []string{"m"}, true},
	}
	in := New()
	for _, tt := range tests {
		cursor := tt.cursor
		if cursor < 0 {
			cursor = len([]rune(tt.code))
		}
		got, only := in.LastObject(tt.code, cursor)
		assert.Equal(t, tt.want, got, "code %q", tt.code)
		assert.Equal(t, tt.onlyMethods, only, "code %q", tt.code)
	}
}

const sample = `local M = {}

x = t[a[1]]

-- Adds two numbers.
-- Returns their sum.
function M.add(a, b)
  return a + b
end

--[[
Block documented.
--]]
function M.block()
end

local y = 2
function M.bare()
end

return M
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mod.lua")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestDoc(t *testing.T) {
	path := writeSample(t)
	in := New()

	doc, err := in.Doc(path, 7)
	require.NoError(t, err)
	assert.Equal(t, "-- Adds two numbers.\n-- Returns their sum.\n", doc)

	doc, err = in.Doc(path, 14)
	require.NoError(t, err)
	assert.Equal(t, "--[[\nBlock documented.\n--]]\n", doc)

	doc, err = in.Doc(path, 18)
	require.NoError(t, err)
	assert.Empty(t, doc)

	doc, err = in.Doc(path, 1)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestDocIndented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested.lua")
	require.NoError(t, os.WriteFile(path, []byte(
		"do\n"+
			"  local s = \"-- not a comment\"\n"+
			"\n"+
			"  -- Inner helper.\n"+
			"  --   keeps indentation\n"+
			"  local function inner()\n"+
			"  end\n"+
			"end\n"), 0o644))

	doc, err := New().Doc(path, 6)
	require.NoError(t, err)
	assert.Equal(t, "  -- Inner helper.\n  --   keeps indentation\n", doc)
}

func TestSource(t *testing.T) {
	path := writeSample(t)
	in := New()

	src, err := in.Source(path, 7, 9)
	require.NoError(t, err)
	assert.Regexp(t, ansiEscape, src, "source is highlighted")
	assert.Equal(t, "function M.add(a, b)\n  return a + b\nend\n", ansiEscape.ReplaceAllString(src, ""))

	src, err = in.Source(path, 40, 45)
	require.NoError(t, err)
	assert.Empty(t, src)

	_, err = in.Source(path, 5, 2)
	assert.Error(t, err)

	_, err = in.Source(filepath.Join(t.TempDir(), "missing.lua"), 1, 2)
	assert.Error(t, err)
}
