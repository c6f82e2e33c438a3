package directory

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DiffMarker opens a consensus diff body. A download starting with it is a
// diff against the consensus whose digest the request advertised.
const DiffMarker = "network-status-diff-version 1"

// IsDiff reports whether a downloaded body is a consensus diff
func IsDiff(body []byte) bool {
	return strings.HasPrefix(string(body), DiffMarker)
}

// diffDigest is the SHA3-256 hex digest diffs are verified with
func diffDigest(body []byte) string {
	sum := sha3.Sum256(body)
	return fmt.Sprintf("%x", sum)
}

// ApplyDiff applies an ed-style consensus diff to the cached consensus body.
// It checks the diff's announced input digest against that body before
// applying, and verifies the result against the announced output digest.
//
// Diff layout: the marker line, a "hash <from> <to>" line with SHA3-256
// digests, then ed commands ("<n>d", "<n>,<m>d", "<n>a" with text lines
// terminated by ".") ordered bottom-up so each applies to untouched lines.
func ApplyDiff(oldBody, diff []byte) ([]byte, error) {
	lines := strings.Split(string(diff), "\n")
	if len(lines) < 2 || strings.TrimRight(lines[0], "\r") != DiffMarker {
		return nil, fmt.Errorf("not a consensus diff")
	}

	hashParts := strings.Fields(lines[1])
	if len(hashParts) != 3 || hashParts[0] != "hash" {
		return nil, fmt.Errorf("diff missing hash line")
	}
	fromDigest, toDigest := hashParts[1], hashParts[2]

	if got := diffDigest(oldBody); !strings.EqualFold(got, fromDigest) {
		return nil, fmt.Errorf("diff input digest mismatch: have %s, diff wants %s", got, fromDigest)
	}

	oldLines := strings.Split(string(oldBody), "\n")
	result, err := applyEdScript(oldLines, lines[2:])
	if err != nil {
		return nil, err
	}

	newBody := []byte(strings.Join(result, "\n"))
	if got := diffDigest(newBody); !strings.EqualFold(got, toDigest) {
		return nil, fmt.Errorf("diff output digest mismatch: got %s, want %s", got, toDigest)
	}
	return newBody, nil
}

// applyEdScript runs the ed commands over the line array
func applyEdScript(lines []string, script []string) ([]string, error) {
	i := 0
	for i < len(script) {
		cmd := strings.TrimRight(script[i], "\r")
		i++
		if cmd == "" {
			continue
		}

		switch cmd[len(cmd)-1] {
		case 'd':
			from, to, err := parseRange(cmd[:len(cmd)-1])
			if err != nil {
				return nil, fmt.Errorf("bad delete command %q: %w", cmd, err)
			}
			if from < 1 || to > len(lines) || from > to {
				return nil, fmt.Errorf("delete range %d,%d out of bounds (%d lines)", from, to, len(lines))
			}
			lines = append(lines[:from-1], lines[to:]...)

		case 'c':
			from, to, err := parseRange(cmd[:len(cmd)-1])
			if err != nil {
				return nil, fmt.Errorf("bad change command %q: %w", cmd, err)
			}
			text, next, err := collectText(script, i)
			if err != nil {
				return nil, err
			}
			i = next
			if from < 1 || to > len(lines) || from > to {
				return nil, fmt.Errorf("change range %d,%d out of bounds", from, to)
			}
			rest := append([]string(nil), lines[to:]...)
			lines = append(lines[:from-1], append(text, rest...)...)

		case 'a':
			at, _, err := parseRange(cmd[:len(cmd)-1])
			if err != nil {
				return nil, fmt.Errorf("bad append command %q: %w", cmd, err)
			}
			text, next, err := collectText(script, i)
			if err != nil {
				return nil, err
			}
			i = next
			if at < 0 || at > len(lines) {
				return nil, fmt.Errorf("append position %d out of bounds", at)
			}
			rest := append([]string(nil), lines[at:]...)
			lines = append(lines[:at], append(text, rest...)...)

		default:
			return nil, fmt.Errorf("unknown diff command %q", cmd)
		}
	}
	return lines, nil
}

// parseRange parses "n" or "n,m"
func parseRange(s string) (int, int, error) {
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		from, err := strconv.Atoi(s[:idx])
		if err != nil {
			return 0, 0, err
		}
		to, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return 0, 0, err
		}
		return from, to, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, err
	}
	return n, n, nil
}

// collectText gathers lines until the lone "." terminator
func collectText(script []string, i int) ([]string, int, error) {
	var text []string
	for i < len(script) {
		line := strings.TrimRight(script[i], "\r")
		i++
		if line == "." {
			return text, i, nil
		}
		text = append(text, line)
	}
	return nil, i, fmt.Errorf("diff text block missing terminator")
}

// ComputeDiff builds a diff transforming oldBody into newBody. It emits a
// whole-document replacement, which is always correct if rarely minimal;
// the apply side handles finer-grained diffs from real directory caches.
func ComputeDiff(oldBody, newBody []byte) []byte {
	oldLines := strings.Split(string(oldBody), "\n")
	newLines := strings.Split(string(newBody), "\n")

	var b strings.Builder
	b.WriteString(DiffMarker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "hash %s %s\n", diffDigest(oldBody), diffDigest(newBody))
	fmt.Fprintf(&b, "1,%dd\n", len(oldLines))
	b.WriteString("0a\n")
	for _, l := range newLines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString(".\n")
	return []byte(b.String())
}
