package audit

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/results"
)

func parsedFiles(t *testing.T, diff string) []FileDiff {
	t.Helper()
	_, files, err := NewParser(ParserOptions{}).Parse(diff)
	require.NoError(t, err)
	return files
}

func TestPrefilterBannedAPIs(t *testing.T) {
	lines := []string{
		`result = eval(user_input)`,
		`exec(payload)`,
		`os.system("rm -rf " + path)`,
		`subprocess.run(cmd, shell=True)`,
		`data = pickle.loads(blob)`,
		`el.innerHTML = userHTML`,
		`<div dangerouslySetInnerHTML={{__html: raw}} />`,
		`sum := md5.New()`,
	}
	pf := NewPrefilter(RuleOptions{})
	for _, l := range lines {
		diff := "--- a/app.py\n+++ b/app.py\n@@ -1,1 +1,2 @@\n import os\n+" + l + "\n"
		cands := pf.Apply(parsedFiles(t, diff))
		require.Len(t, cands, 1, "line %q", l)
		require.Equal(t, RuleBannedAPI, cands[0].RuleID)
		require.Equal(t, results.SeverityError, cands[0].RuleSeverity)
		require.Equal(t, 2, cands[0].Line)
		require.Equal(t, strings.TrimSpace(l), cands[0].Excerpt)
	}
}

func TestPrefilterIgnoresContextAndRemovedLines(t *testing.T) {
	diff := "--- a/app.py\n+++ b/app.py\n@@ -1,3 +1,2 @@\n result = eval(x)\n-data = pickle.loads(blob)\n+safe = json.loads(blob)\n"
	cands := NewPrefilter(RuleOptions{}).Apply(parsedFiles(t, diff))
	require.Empty(t, cands)
}

func TestPrefilterHardcodedCredential(t *testing.T) {
	diff := "--- a/settings.py\n+++ b/settings.py\n@@ -1,1 +1,2 @@\n DEBUG = False\n+API_KEY = \"sk-abcdef123456\"\n"
	cands := NewPrefilter(RuleOptions{}).Apply(parsedFiles(t, diff))
	require.Len(t, cands, 1)
	require.Equal(t, RuleHardcodedCred, cands[0].RuleID)
	require.Equal(t, results.SeverityCritical, cands[0].RuleSeverity)
	// The excerpt keeps the assignment shape but never the literal value.
	require.NotContains(t, cands[0].Excerpt, "sk-abcdef123456")
	require.Contains(t, cands[0].Excerpt, "API_KEY")
}

func TestPrefilterFunctionLength(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("--- a/big.go\n+++ b/big.go\n@@ -1,1 +1,30 @@\n package big\n")
	sb.WriteString("+func huge() {\n")
	for i := 0; i < 25; i++ {
		sb.WriteString(fmt.Sprintf("+\tstep%d()\n", i))
	}
	sb.WriteString("+}\n")

	cands := NewPrefilter(RuleOptions{MaxFunctionLines: 20}).Apply(parsedFiles(t, sb.String()))
	require.Len(t, cands, 1)
	require.Equal(t, RuleFunctionLength, cands[0].RuleID)
	require.Equal(t, results.SeverityWarn, cands[0].RuleSeverity)
	require.Equal(t, 2, cands[0].Line)
	require.Greater(t, cands[0].EndLine, cands[0].Line)

	// Under the default 80-line cap the same function passes.
	require.Empty(t, NewPrefilter(RuleOptions{}).Apply(parsedFiles(t, sb.String())))
}

func TestPrefilterFunctionLengthResetsPerDeclaration(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("--- a/two.py\n+++ b/two.py\n@@ -1,1 +1,13 @@\n import x\n")
	sb.WriteString("+def first():\n")
	for i := 0; i < 5; i++ {
		sb.WriteString("+    a()\n")
	}
	sb.WriteString("+def second():\n")
	for i := 0; i < 5; i++ {
		sb.WriteString("+    b()\n")
	}
	cands := NewPrefilter(RuleOptions{MaxFunctionLines: 10}).Apply(parsedFiles(t, sb.String()))
	require.Empty(t, cands)
}

func TestPrefilterMultipleFindingsAcrossFiles(t *testing.T) {
	diff := "--- a/a.py\n+++ b/a.py\n@@ -1,1 +1,2 @@\n x = 1\n+eval(x)\n" +
		"--- a/b.py\n+++ b/b.py\n@@ -1,1 +1,2 @@\n y = 2\n+password = \"hunter2secret\"\n"
	cands := NewPrefilter(RuleOptions{}).Apply(parsedFiles(t, diff))
	require.Len(t, cands, 2)
	rules := map[string]bool{}
	for _, c := range cands {
		rules[c.RuleID] = true
	}
	require.True(t, rules[RuleBannedAPI])
	require.True(t, rules[RuleHardcodedCred])
}
