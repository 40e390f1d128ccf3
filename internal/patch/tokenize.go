package patch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// envelopeLines is the number of header lines consumed from a
// format-patch envelope: From, From:, Date:, Subject:.
const envelopeLines = 4

func parseEnvelope(lines []string) (*MetaInfo, error) {
	if len(lines) < envelopeLines {
		return nil, &MalformedPatchError{Line: len(lines), Reason: "truncated envelope header"}
	}

	hashLine, _ := strings.CutPrefix(lines[0], envelopePrefix)
	fields := strings.Fields(hashLine)
	if len(fields) == 0 {
		return nil, malformedAt(0, lines[0], errors.New("missing commit hash"))
	}

	author, ok := strings.CutPrefix(lines[1], "From:")
	if !ok {
		return nil, malformedAt(1, lines[1], errors.New("expected From: header"))
	}
	name, email := parseAuthor(author)

	date, ok := strings.CutPrefix(lines[2], "Date: ")
	if !ok {
		return nil, malformedAt(2, lines[2], errors.New("expected Date: header"))
	}

	subject, ok := strings.CutPrefix(lines[3], "Subject: ")
	if !ok {
		return nil, malformedAt(3, lines[3], errors.New("expected Subject: header"))
	}

	return &MetaInfo{
		Hash:        fields[0],
		AuthorName:  name,
		AuthorEmail: email,
		Date:        date,
		Message:     subject,
	}, nil
}

// parseAuthor splits "Name <email>". Either part may be missing.
func parseAuthor(s string) (name, email string) {
	s = strings.TrimSpace(s)
	open := strings.LastIndex(s, "<")
	if open < 0 || !strings.HasSuffix(s, ">") {
		return s, ""
	}
	return strings.TrimSpace(s[:open]), s[open+1 : len(s)-1]
}

// parseFileHeader extracts the two paths from a "diff --git a/x b/y" line.
// Either path may be C-quoted by git when it contains special characters.
func parseFileHeader(line string) (before, after string, err error) {
	rest := strings.TrimPrefix(line, fileHeaderPrefix)

	if strings.HasPrefix(rest, `"`) {
		first, remaining, err := readQuoted(rest)
		if err != nil {
			return "", "", err
		}
		second, err := readPath(strings.TrimLeft(remaining, " "))
		if err != nil {
			return "", "", err
		}
		return stripPrefixes(first, second)
	}

	if i := strings.LastIndex(rest, ` "b/`); i >= 0 {
		second, _, err := readQuoted(rest[i+1:])
		if err != nil {
			return "", "", err
		}
		return stripPrefixes(rest[:i], second)
	}

	i := splitUnquoted(rest)
	if i < 0 {
		return "", "", errors.New("expected a/<path> b/<path>")
	}
	return stripPrefixes(rest[:i], rest[i+1:])
}

// splitUnquoted finds the space separating "a/<p> b/<q>". When several
// " b/" candidates exist the one giving identical paths wins, as that is
// the shape git emits for everything except renames.
func splitUnquoted(s string) int {
	last := -1
	for i := 0; i < len(s); i++ {
		if !strings.HasPrefix(s[i:], " b/") {
			continue
		}
		last = i
		if strings.HasPrefix(s, "a/") && s[2:i] == s[i+3:] {
			return i
		}
	}
	return last
}

func readPath(s string) (string, error) {
	if strings.HasPrefix(s, `"`) {
		p, _, err := readQuoted(s)
		return p, err
	}
	return s, nil
}

// readQuoted reads one double-quoted, backslash-escaped token from the
// start of s and returns it unquoted together with the remaining input.
func readQuoted(s string) (token, rest string, err error) {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			unquoted, err := strconv.Unquote(s[:i+1])
			if err != nil {
				return "", "", fmt.Errorf("bad quoted path %s: %w", s[:i+1], err)
			}
			return unquoted, s[i+1:], nil
		}
	}
	return "", "", errors.New("unterminated quoted path")
}

func stripPrefixes(a, b string) (string, string, error) {
	before, ok := strings.CutPrefix(a, "a/")
	if !ok {
		return "", "", fmt.Errorf("expected a/ prefix in %q", a)
	}
	after, ok := strings.CutPrefix(b, "b/")
	if !ok {
		return "", "", fmt.Errorf("expected b/ prefix in %q", b)
	}
	return strings.TrimSpace(before), strings.TrimSpace(after), nil
}

type hunkHeader struct {
	origStart, origLines int
	newStart, newLines   int
}

// parseHunkHeader parses "@@ -a[,b] +c[,d] @@[ section]".
func parseHunkHeader(line string) (hunkHeader, error) {
	var h hunkHeader

	rest := strings.TrimPrefix(line, hunkHeaderPrefix)
	end := strings.Index(rest, " @@")
	if end < 0 {
		return h, errors.New("unterminated hunk header")
	}
	ranges := strings.Fields(rest[:end])
	if len(ranges) != 2 {
		return h, errors.New("expected two line ranges")
	}

	var err error
	if h.origStart, h.origLines, err = parseRange(ranges[0], '-'); err != nil {
		return h, err
	}
	if h.newStart, h.newLines, err = parseRange(ranges[1], '+'); err != nil {
		return h, err
	}
	return h, nil
}

// parseRange parses "-a,b" or "+c" (count defaults to 1).
func parseRange(s string, sign byte) (start, count int, err error) {
	if len(s) < 2 || s[0] != sign {
		return 0, 0, fmt.Errorf("bad range %q", s)
	}
	startStr, countStr, hasCount := strings.Cut(s[1:], ",")

	start, err = strconv.Atoi(startStr)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("bad range start %q", s)
	}
	count = 1
	if hasCount {
		count, err = strconv.Atoi(countStr)
		if err != nil || count < 0 {
			return 0, 0, fmt.Errorf("bad range length %q", s)
		}
	}
	return start, count, nil
}
