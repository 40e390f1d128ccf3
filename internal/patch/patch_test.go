package patch

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lines joins its arguments with newlines and appends a final newline, so
// fixtures keep their significant trailing spaces visible.
func lines(ls ...string) string {
	return strings.Join(ls, "\n") + "\n"
}

var formatPatchFixture = lines(
	"From 0f6f88c98fff3afa0289f46bf4eab469f45eebc6 Mon Sep 17 00:00:00 2001",
	"From: A. U. Thor <author@example.com>",
	"Date: Sat, 25 Jan 2020 19:21:35 +0200",
	"Subject: [PATCH] update readme",
	"",
	"---",
	" README.md | 3 ++-",
	" 1 file changed, 2 insertions(+), 1 deletion(-)",
	"",
	"diff --git a/README.md b/README.md",
	"index 20b42ca..7b5cf9b 100644",
	"--- a/README.md",
	"+++ b/README.md",
	"@@ -1,5 +1,6 @@",
	" # project",
	" ",
	"-old description",
	"+new description",
	"+second line",
	" ",
	" footer",
	"-- ",
	"2.25.0",
	"",
)

var manyFilesFixture = lines(
	"diff --git a/src/index.js b/src/index.js",
	"index 3b18e51..a0b2c1d 100644",
	"--- a/src/index.js",
	"+++ b/src/index.js",
	"@@ -1,3 +1,3 @@",
	" const a = 1;",
	"-const b = 2;",
	"+const b = 3;",
	" module.exports = { a, b };",
	"@@ -10,4 +10,5 @@ function run() {",
	"   step1();",
	"   step2();",
	"+  step3();",
	"   return true;",
	" }",
	"diff --git a/docs/guide.md b/docs/guide.md",
	"new file mode 100644",
	"index 0000000..e69de29",
	"--- /dev/null",
	"+++ b/docs/guide.md",
	"@@ -0,0 +1,2 @@",
	"+# Guide",
	"+Read me.",
	"diff --git a/old.txt b/old.txt",
	"deleted file mode 100644",
	"index 8baef1b..0000000",
	"--- a/old.txt",
	"+++ /dev/null",
	"@@ -1,2 +0,0 @@",
	"-first",
	"-second",
)

func TestParseFormatPatch(t *testing.T) {
	t.Parallel()

	result, err := Parse(formatPatchFixture, nil)
	require.NoError(t, err)

	wantMeta := &MetaInfo{
		Hash:        "0f6f88c98fff3afa0289f46bf4eab469f45eebc6",
		AuthorName:  "A. U. Thor",
		AuthorEmail: "author@example.com",
		Date:        "Sat, 25 Jan 2020 19:21:35 +0200",
		Message:     "[PATCH] update readme",
	}
	if diff := cmp.Diff(wantMeta, result.Meta); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}

	wantFiles := []FileChange{{
		BeforeName: "README.md",
		AfterName:  "README.md",
		Hunks: []LineChange{
			{Added: false, LineNumber: 3, Text: "old description"},
			{Added: true, LineNumber: 3, Text: "new description"},
			{Added: true, LineNumber: 4, Text: "second line"},
		},
	}}
	if diff := cmp.Diff(wantFiles, result.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManyFiles(t *testing.T) {
	t.Parallel()

	result, err := Parse(manyFilesFixture, nil)
	require.NoError(t, err)
	assert.Nil(t, result.Meta)

	wantFiles := []FileChange{
		{
			BeforeName: "src/index.js",
			AfterName:  "src/index.js",
			Hunks: []LineChange{
				{Added: false, LineNumber: 2, Text: "const b = 2;"},
				{Added: true, LineNumber: 2, Text: "const b = 3;"},
				{Added: true, LineNumber: 12, Text: "  step3();"},
			},
		},
		{
			Added:      true,
			BeforeName: "docs/guide.md",
			AfterName:  "docs/guide.md",
			Hunks: []LineChange{
				{Added: true, LineNumber: 1, Text: "# Guide"},
				{Added: true, LineNumber: 2, Text: "Read me."},
			},
		},
		{
			Deleted:    true,
			BeforeName: "old.txt",
			AfterName:  "old.txt",
			Hunks: []LineChange{
				{Added: false, LineNumber: 1, Text: "first"},
				{Added: false, LineNumber: 2, Text: "second"},
			},
		},
	}
	if diff := cmp.Diff(wantFiles, result.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{
		"modify: src/index.js",
		"add: docs/guide.md",
		"delete: old.txt",
	}, result.Summary())
}

func TestParseRenameSkipsHunks(t *testing.T) {
	t.Parallel()

	raw := lines(
		"diff --git a/lib/a.js b/lib/b.js",
		"similarity index 100%",
		"rename from lib/a.js",
		"rename to lib/b.js",
	)

	result, err := Parse(raw, nil)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	f := result.Files[0]
	assert.Equal(t, "lib/a.js", f.BeforeName)
	assert.Equal(t, "lib/b.js", f.AfterName)
	assert.False(t, f.Added)
	assert.False(t, f.Deleted)
	assert.Empty(t, f.Hunks)
}

func TestParseLineNumbersAreConsecutive(t *testing.T) {
	t.Parallel()

	raw := lines(
		"diff --git a/f.txt b/f.txt",
		"--- a/f.txt",
		"+++ b/f.txt",
		"@@ -20,3 +20,6 @@",
		" keep",
		"+one",
		"+two",
		"+three",
		" keep",
		" keep",
	)

	result, err := Parse(raw, nil)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	hunks := result.Files[0].Hunks
	require.Len(t, hunks, 3)
	for i := 1; i < len(hunks); i++ {
		assert.Equal(t, hunks[i-1].LineNumber+1, hunks[i].LineNumber)
	}
	assert.Equal(t, 21, hunks[0].LineNumber)
}

func TestParseIgnoresNoNewlineMarker(t *testing.T) {
	t.Parallel()

	raw := lines(
		"diff --git a/f.txt b/f.txt",
		"--- a/f.txt",
		"+++ b/f.txt",
		"@@ -1 +1 @@",
		"-old",
		`\ No newline at end of file`,
		"+new",
		`\ No newline at end of file`,
	)

	result, err := Parse(raw, nil)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, []LineChange{
		{Added: false, LineNumber: 1, Text: "old"},
		{Added: true, LineNumber: 1, Text: "new"},
	}, result.Files[0].Hunks)
}

func TestParseRemovedLineThatLooksLikeTrailer(t *testing.T) {
	t.Parallel()

	raw := lines(
		"diff --git a/list.md b/list.md",
		"--- a/list.md",
		"+++ b/list.md",
		"@@ -1,2 +1,1 @@",
		" keep",
		"-- item",
	)

	result, err := Parse(raw, nil)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, []LineChange{{Added: false, LineNumber: 2, Text: "- item"}}, result.Files[0].Hunks)
}

func TestParseAnalyzePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{name: "no pattern keeps all", pattern: "", want: []string{"src/index.js", "docs/guide.md", "old.txt"}},
		{name: "single star stops at slash", pattern: "*.txt", want: []string{"old.txt"}},
		{name: "double star crosses slash", pattern: "**.js", want: []string{"src/index.js"}},
		{name: "skip does not stop later files", pattern: "{src/*,old.txt}", want: []string{"src/index.js", "old.txt"}},
		{name: "nothing matches", pattern: "*.go", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := Parse(manyFilesFixture, &Options{AnalyzePattern: tt.pattern})
			require.NoError(t, err)

			got := make([]string, 0, len(result.Files))
			for _, f := range result.Files {
				got = append(got, f.BeforeName)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEmptyInput(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "\n", "just some text\n"} {
		result, err := Parse(raw, nil)
		require.NoError(t, err)
		assert.Nil(t, result.Meta)
		assert.Empty(t, result.Files)
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantLine int
	}{
		{
			name: "binary input",
			raw:  "diff --git a/x b/x\x00\n",
		},
		{
			name: "invalid utf-8",
			raw:  "diff --git a/x b/x\n+\xff\xfe\n",
		},
		{
			name:     "envelope without author",
			raw:      lines("From abc Mon Sep 17 00:00:00 2001", "Date: now", "Subject: x", "x"),
			wantLine: 2,
		},
		{
			name:     "envelope truncated",
			raw:      "From abc Mon Sep 17 00:00:00 2001\nFrom: me",
			wantLine: 2,
		},
		{
			name:     "file header without prefixes",
			raw:      lines("diff --git x y"),
			wantLine: 1,
		},
		{
			name:     "hunk header without ranges",
			raw:      lines("diff --git a/x b/x", "--- a/x", "+++ b/x", "@@ nonsense @@"),
			wantLine: 4,
		},
		{
			name:     "hunk header with bad count",
			raw:      lines("diff --git a/x b/x", "--- a/x", "+++ b/x", "@@ -1,z +1 @@"),
			wantLine: 4,
		},
		{
			name:     "hunk body longer than header",
			raw:      lines("diff --git a/x b/x", "--- a/x", "+++ b/x", "@@ -1,1 +1,1 @@", "-a", "+b", "+c", "+d"),
			wantLine: 7,
		},
		{
			name:     "context line after counted body",
			raw:      lines("diff --git a/x b/x", "--- a/x", "+++ b/x", "@@ -1 +1 @@", "-a", "+b", " c"),
			wantLine: 7,
		},
		{
			name:     "truncated hunk body",
			raw:      "diff --git a/x b/x\n--- a/x\n+++ b/x\n@@ -1,5 +1,5 @@\n-a\n+b",
			wantLine: 4,
		},
		{
			name:     "unterminated hunk header",
			raw:      lines("diff --git a/x b/x", "--- a/x", "+++ b/x", "@@ -1 +1"),
			wantLine: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.raw, nil)
			require.Error(t, err)

			var malformed *MalformedPatchError
			require.True(t, errors.As(err, &malformed), "expected MalformedPatchError, got %T", err)
			assert.Equal(t, tt.wantLine, malformed.Line)
		})
	}
}

func TestParseBytes(t *testing.T) {
	t.Parallel()

	fromString, err := Parse(manyFilesFixture, nil)
	require.NoError(t, err)
	fromBytes, err := ParseBytes([]byte(manyFilesFixture), nil)
	require.NoError(t, err)

	if diff := cmp.Diff(fromString, fromBytes); diff != "" {
		t.Errorf("ParseBytes mismatch (-string +bytes):\n%s", diff)
	}
}
