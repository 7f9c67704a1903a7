// Package audit implements the diff audit pipeline: unified diff parsing and
// canonicalization, deterministic rule prefiltering, retrieval-backed
// verdicts, and remediation composition. The pipeline runs as a workflow
// graph emitting violation_report interventions.
package audit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
)

type (
	// Submission is the audit payload as admitted by the gatekeeper.
	Submission struct {
		Diff     string `json:"diff"`
		BaseHash string `json:"base_hash"`
		NewHash  string `json:"new_hash"`
	}

	// FileDiff is one file's change within a unified diff.
	FileDiff struct {
		// Path is the new-side repository-relative path.
		Path  string
		Hunks []Hunk
	}

	// Hunk is one @@ block.
	Hunk struct {
		// NewStart is the first new-file line number the hunk covers.
		NewStart int
		Lines    []Line
	}

	// Line is one hunk line.
	Line struct {
		// Kind is ' ', '+' or '-'.
		Kind byte
		Text string
		// NewLine is the new-file line number, 0 for removed lines.
		NewLine int
	}

	// ParserOptions bounds what the parser accepts.
	ParserOptions struct {
		// MaxBytes caps the canonicalized diff size. Defaults to 512KiB.
		MaxBytes int
	}

	// Parser validates and canonicalizes unified diffs at the pipeline edge.
	// Embedded secret material is a rejection, not a finding: a diff carrying
	// it never enters the pipeline.
	Parser struct {
		opts ParserOptions
	}
)

// DefaultMaxDiffBytes is the parser size cap when none is configured.
const DefaultMaxDiffBytes = 512 << 10

// secretPatterns are the edge-policy detectors. Deliberately narrow: they
// match concrete secret material, not the credential-assignment shapes the
// rule prefilter flags as findings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`gh[pousr]_[0-9A-Za-z]{36,}`),
	regexp.MustCompile(`xox[baprs]-[0-9A-Za-z-]{10,}`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*[0-9A-Za-z/+=]{30,}`),
}

// NewParser builds a diff parser.
func NewParser(opts ParserOptions) *Parser {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxDiffBytes
	}
	return &Parser{opts: opts}
}

// Canonicalize normalizes a unified diff: CRLF and lone CR become LF,
// trailing whitespace is stripped from every line, and the text ends with
// exactly one newline. Canonicalization is idempotent, which keeps the
// fingerprint of a resubmitted diff stable.
func Canonicalize(diff string) string {
	diff = strings.ReplaceAll(diff, "\r\n", "\n")
	diff = strings.ReplaceAll(diff, "\r", "\n")
	lines := strings.Split(diff, "\n")
	// Drop trailing empty lines so the single final newline is stable.
	for len(lines) > 0 && strings.TrimRight(lines[len(lines)-1], " \t") == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Parse canonicalizes and parses the diff, rejecting oversize input,
// malformed hunks, and embedded secrets. The returned canonical text is what
// downstream nodes and the fingerprint operate on.
func (p *Parser) Parse(diff string) (string, []FileDiff, error) {
	canon := Canonicalize(diff)
	if canon == "" {
		return "", nil, fault.New(fault.KindValidation, "empty diff")
	}
	if len(canon) > p.opts.MaxBytes {
		return "", nil, fault.Newf(fault.KindValidation, "diff exceeds %d byte cap", p.opts.MaxBytes)
	}

	files, err := parseUnified(canon)
	if err != nil {
		return "", nil, err
	}
	if len(files) == 0 {
		return "", nil, fault.New(fault.KindValidation, "diff contains no file changes")
	}

	for _, f := range files {
		for _, h := range f.Hunks {
			for _, l := range h.Lines {
				if l.Kind != '+' {
					continue
				}
				for _, re := range secretPatterns {
					if re.MatchString(l.Text) {
						return "", nil, fault.Newf(fault.KindValidation, "diff rejected: embedded secret in %s", f.Path)
					}
				}
			}
		}
	}
	return canon, files, nil
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

func parseUnified(canon string) ([]FileDiff, error) {
	var (
		files []FileDiff
		cur   *FileDiff
		hunk  *Hunk
		newLn int
	)
	flushHunk := func() {
		if hunk != nil && cur != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		// Deleted files surface as +++ /dev/null; they carry no added lines
		// and are not audited.
		if cur != nil && cur.Path != "" {
			files = append(files, *cur)
		}
		cur = nil
	}

	for i, line := range strings.Split(strings.TrimSuffix(canon, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "diff "), strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "--- "):
			flushHunk()
		case strings.HasPrefix(line, "+++ "):
			flushFile()
			cur = &FileDiff{Path: stripDiffPath(line[4:])}
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, fault.Newf(fault.KindValidation, "hunk header before file header at line %d", i+1)
			}
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				return nil, fault.Newf(fault.KindValidation, "malformed hunk header at line %d", i+1)
			}
			flushHunk()
			start, _ := strconv.Atoi(m[3])
			hunk = &Hunk{NewStart: start}
			newLn = start
		case hunk != nil && len(line) > 0 && (line[0] == '+' || line[0] == '-' || line[0] == ' '):
			l := Line{Kind: line[0], Text: line[1:]}
			if l.Kind != '-' {
				l.NewLine = newLn
				newLn++
			}
			hunk.Lines = append(hunk.Lines, l)
		case hunk != nil && line == `\ No newline at end of file`:
			// Marker line, not content.
		case hunk != nil && line == "":
			// Blank context line whose leading space was canonicalized away.
			hunk.Lines = append(hunk.Lines, Line{Kind: ' ', NewLine: newLn})
			newLn++
		case hunk != nil:
			return nil, fault.Newf(fault.KindValidation, "unexpected line %d inside hunk: %q", i+1, line)
		}
	}
	flushFile()
	return files, nil
}

// stripDiffPath removes the a/ or b/ prefix and any timestamp suffix from a
// file header path.
func stripDiffPath(p string) string {
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		p = p[2:]
	}
	return p
}

// addedSpan renders the 1-based span of a candidate for log lines.
func addedSpan(path string, start, end int) string {
	if start == end {
		return fmt.Sprintf("%s:%d", path, start)
	}
	return fmt.Sprintf("%s:%d-%d", path, start, end)
}
