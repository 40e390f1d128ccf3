// Package patch parses the unified diff text produced by `git diff` and
// `git format-patch` into per-file, per-line change records.
package patch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

const (
	envelopePrefix   = "From "
	fileHeaderPrefix = "diff --git "
	hunkHeaderPrefix = "@@ "

	newFileMarker     = "new file mode "
	deletedFileMarker = "deleted file mode "
	similarityMarker  = "similarity index "

	formatPatchTrailer = "-- "
)

// MetaInfo holds the envelope headers of a format-patch style patch.
type MetaInfo struct {
	Hash        string `json:"hash"`
	AuthorName  string `json:"authorName"`
	AuthorEmail string `json:"authorEmail"`
	Date        string `json:"date"`
	Message     string `json:"message"`
}

// LineChange is a single added or removed line. LineNumber is 1-based and
// refers to the resulting file for additions and to the original file for
// deletions.
type LineChange struct {
	Added      bool   `json:"added"`
	LineNumber int    `json:"lineNumber"`
	Text       string `json:"text"`
}

// FileChange describes the changes to one file of the patch.
type FileChange struct {
	Added      bool         `json:"added"`
	Deleted    bool         `json:"deleted"`
	BeforeName string       `json:"beforeName"`
	AfterName  string       `json:"afterName"`
	Hunks      []LineChange `json:"hunks"`
}

// Kind returns "add", "delete" or "modify".
func (f FileChange) Kind() string {
	switch {
	case f.Added:
		return "add"
	case f.Deleted:
		return "delete"
	default:
		return "modify"
	}
}

// Name returns the path that best identifies the file: the original name
// for deletions, the resulting name otherwise.
func (f FileChange) Name() string {
	if f.Deleted {
		return f.BeforeName
	}
	return f.AfterName
}

// Result is the parsed form of a patch. Meta is nil for a plain diff.
type Result struct {
	Meta  *MetaInfo    `json:"meta,omitempty"`
	Files []FileChange `json:"files"`
}

// Summary returns one "<kind>: <path>" line per file, in patch order.
func (r *Result) Summary() []string {
	lines := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		lines = append(lines, fmt.Sprintf("%s: %s", f.Kind(), f.Name()))
	}
	return lines
}

// Options tunes Parse.
type Options struct {
	// AnalyzePattern restricts the result to files whose original name
	// matches the glob. "*" does not cross "/", "**" does.
	AnalyzePattern string
}

// ParseBytes is Parse for raw bytes.
func ParseBytes(data []byte, opts *Options) (*Result, error) {
	return Parse(string(data), opts)
}

// Parse converts raw patch text into a Result. Files keep their patch
// order; files filtered out by opts.AnalyzePattern are skipped without
// affecting the files after them.
func Parse(raw string, opts *Options) (*Result, error) {
	if strings.IndexByte(raw, 0) >= 0 || !utf8.ValidString(raw) {
		return nil, &MalformedPatchError{Reason: "input is not text"}
	}

	var matcher glob.Glob
	if opts != nil && opts.AnalyzePattern != "" {
		g, err := glob.Compile(opts.AnalyzePattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid analyze pattern %q: %w", opts.AnalyzePattern, err)
		}
		matcher = g
	}

	lines := strings.Split(raw, "\n")
	result := &Result{Files: []FileChange{}}

	start := 0
	if strings.HasPrefix(raw, envelopePrefix) {
		meta, err := parseEnvelope(lines)
		if err != nil {
			return nil, err
		}
		result.Meta = meta
		start = envelopeLines
	}

	for _, block := range splitIntoParts(lines, start, fileHeaderPrefix) {
		file, err := parseFileBlock(block, matcher)
		if err != nil {
			return nil, err
		}
		if file == nil {
			continue
		}
		result.Files = append(result.Files, *file)
	}

	return result, nil
}

// part is a run of lines that starts with a separator line. offset is the
// index of the first line in the full patch, used for error positions.
type part struct {
	offset int
	lines  []string
}

// splitIntoParts groups lines[from:] into parts, each beginning with a line
// that has the given prefix. Lines before the first separator are dropped.
func splitIntoParts(lines []string, from int, prefix string) []part {
	var parts []part
	var current *part

	for i := from; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, prefix) {
			if current != nil {
				parts = append(parts, *current)
			}
			current = &part{offset: i, lines: []string{line}}
			continue
		}
		if current != nil {
			current.lines = append(current.lines, line)
		}
	}
	if current != nil {
		parts = append(parts, *current)
	}
	return parts
}

// parseFileBlock parses one "diff --git" block. It returns nil when the
// file does not match the analyze pattern.
func parseFileBlock(block part, matcher glob.Glob) (*FileChange, error) {
	before, after, err := parseFileHeader(block.lines[0])
	if err != nil {
		return nil, malformedAt(block.offset, block.lines[0], err)
	}

	file := &FileChange{
		BeforeName: before,
		AfterName:  after,
		Hunks:      []LineChange{},
	}
	if matcher != nil && !matcher.Match(file.BeforeName) {
		return nil, nil
	}

	if len(block.lines) < 2 {
		return file, nil
	}

	meta := block.lines[1]
	if strings.HasPrefix(meta, newFileMarker) {
		file.Added = true
	}
	if strings.HasPrefix(meta, deletedFileMarker) {
		file.Deleted = true
	}
	if strings.HasPrefix(meta, similarityMarker) {
		return file, nil
	}

	body := part{offset: block.offset + 2, lines: block.lines[2:]}
	for _, hunk := range splitIntoParts(body.lines, 0, hunkHeaderPrefix) {
		hunk.offset += body.offset
		changes, err := parseHunk(hunk)
		if err != nil {
			return nil, err
		}
		file.Hunks = append(file.Hunks, changes...)
	}

	return file, nil
}

// parseHunk walks the body of one hunk. The header's line counts bound the
// body: once both are used up only the format-patch trailer ("-- " and the
// git version line), blank lines and "\ No newline" markers may follow.
// A body that is longer or shorter than its header is malformed.
func parseHunk(hunk part) ([]LineChange, error) {
	h, err := parseHunkHeader(hunk.lines[0])
	if err != nil {
		return nil, malformedAt(hunk.offset, hunk.lines[0], err)
	}

	var changes []LineChange
	origLine, newLine := h.origStart, h.newStart
	origLeft, newLeft := h.origLines, h.newLines

	for i, line := range hunk.lines[1:] {
		if origLeft <= 0 && newLeft <= 0 {
			if line == formatPatchTrailer {
				break
			}
			if line != "" && strings.ContainsAny(line[:1], "+- ") {
				return nil, malformedAt(hunk.offset+1+i, line, errHunkTooLong)
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "+"):
			changes = append(changes, LineChange{Added: true, LineNumber: newLine, Text: line[1:]})
			newLine++
			newLeft--
		case strings.HasPrefix(line, "-"):
			changes = append(changes, LineChange{Added: false, LineNumber: origLine, Text: line[1:]})
			origLine++
			origLeft--
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
		default:
			origLine++
			newLine++
			origLeft--
			newLeft--
		}
	}

	if origLeft > 0 || newLeft > 0 {
		return nil, malformedAt(hunk.offset, hunk.lines[0], errHunkTooShort)
	}
	return changes, nil
}
