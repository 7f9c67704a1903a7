package audit

import (
	"regexp"
	"strings"

	"github.com/aura-dev/aura/results"
)

type (
	// RuleOptions tunes the deterministic prefilter.
	RuleOptions struct {
		// MaxFunctionLines flags functions whose added body exceeds this many
		// lines. Defaults to 80.
		MaxFunctionLines int
	}

	// Prefilter applies the deterministic static rules to the added side of a
	// diff. Its output is only ever a candidate list: the verdict node is the
	// sole authority that turns candidates into report entries or dismisses
	// them.
	Prefilter struct {
		opts RuleOptions
	}
)

// Rule identifiers. The ids are stable: they key verdict heuristics,
// retrieval queries, and dashboard groupings.
const (
	RuleFunctionLength = "function-length"
	RuleBannedAPI      = "banned-api"
	RuleHardcodedCred  = "hardcoded-credential"
)

// bannedAPIs maps a pattern to the API it flags. The list covers the
// dynamic-evaluation and shell-injection families across the languages the
// platform tutors.
var bannedAPIs = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`\beval\s*\(`), "eval"},
	{regexp.MustCompile(`\bexec\s*\(`), "exec"},
	{regexp.MustCompile(`\bos\.system\s*\(`), "os.system"},
	{regexp.MustCompile(`shell\s*=\s*True`), "subprocess shell=True"},
	{regexp.MustCompile(`\bpickle\.loads?\s*\(`), "pickle.load"},
	{regexp.MustCompile(`\.innerHTML\s*=`), "innerHTML assignment"},
	{regexp.MustCompile(`dangerouslySetInnerHTML`), "dangerouslySetInnerHTML"},
	{regexp.MustCompile(`\bMD5\s*\(|\bmd5\.New\s*\(`), "md5"},
}

// credentialAssignment matches the assignment shape of a hard-coded
// credential. Unlike the parser's secret detectors this flags the pattern for
// review rather than rejecting the diff.
var credentialAssignment = regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|auth[_-]?token|access[_-]?key)\b\s*[:=]\s*["'][^"']{6,}["']`)

// functionStart matches function declarations across the tutored languages.
var functionStart = regexp.MustCompile(`^\s*(func\s+\(?\w|def\s+\w|function\s+\w|(public|private|protected)\s+[\w<>\[\]]+\s+\w+\s*\()`)

// NewPrefilter builds the rule prefilter.
func NewPrefilter(opts RuleOptions) *Prefilter {
	if opts.MaxFunctionLines <= 0 {
		opts.MaxFunctionLines = 80
	}
	return &Prefilter{opts: opts}
}

// Apply runs every rule over the added lines of the parsed diff and returns
// the candidate violations with their file span, rule id, and initial
// severity.
func (p *Prefilter) Apply(files []FileDiff) []results.Candidate {
	var cands []results.Candidate
	for _, f := range files {
		for _, h := range f.Hunks {
			cands = append(cands, p.scanHunk(f.Path, h)...)
		}
	}
	return cands
}

func (p *Prefilter) scanHunk(path string, h Hunk) []results.Candidate {
	var cands []results.Candidate

	// Line-local rules.
	for _, l := range h.Lines {
		if l.Kind != '+' {
			continue
		}
		for _, b := range bannedAPIs {
			if b.re.MatchString(l.Text) {
				cands = append(cands, candidate(RuleBannedAPI, path, l.NewLine, l.NewLine,
					results.SeverityError, strings.TrimSpace(l.Text)))
				break
			}
		}
		if credentialAssignment.MatchString(l.Text) {
			cands = append(cands, candidate(RuleHardcodedCred, path, l.NewLine, l.NewLine,
				results.SeverityCritical, redactCredential(l.Text)))
		}
	}

	// Function length: measure runs of added lines from an added function
	// declaration to the next declaration or the end of the hunk. Only fully
	// added functions are measurable from a diff alone.
	start := -1
	startLine := 0
	count := 0
	flush := func(endLine int) {
		if start >= 0 && count > p.opts.MaxFunctionLines {
			cands = append(cands, candidate(RuleFunctionLength, path, startLine, endLine,
				results.SeverityWarn, ""))
		}
		start = -1
		count = 0
	}
	lastAdded := 0
	for i, l := range h.Lines {
		if l.Kind != '+' {
			flush(lastAdded)
			continue
		}
		lastAdded = l.NewLine
		if functionStart.MatchString(l.Text) {
			flush(l.NewLine - 1)
			start = i
			startLine = l.NewLine
		}
		if start >= 0 {
			count++
		}
	}
	flush(lastAdded)

	return cands
}

func candidate(ruleID, path string, line, endLine int, sev results.Severity, excerpt string) results.Candidate {
	return results.Candidate{
		RuleID:       ruleID,
		File:         path,
		Line:         line,
		EndLine:      endLine,
		RuleSeverity: sev,
		Severity:     sev,
		Excerpt:      excerpt,
	}
}

// redactCredential keeps the assignment shape in the excerpt while masking
// the literal value.
func redactCredential(line string) string {
	return credentialAssignment.ReplaceAllStringFunc(strings.TrimSpace(line), func(m string) string {
		if i := strings.IndexAny(m, `"'`); i >= 0 {
			return m[:i] + `"…"`
		}
		return m
	})
}
