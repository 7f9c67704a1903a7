package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/retry"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
)

type (
	// Deps are the collaborators the audit graph nodes execute against.
	Deps struct {
		// Parser canonicalizes and validates the diff. Required.
		Parser *Parser
		// Prefilter applies the deterministic rules. Required.
		Prefilter *Prefilter
		// Retriever answers exemplar queries. Required.
		Retriever *knowledge.Retriever
		// Verdict scores and decides the candidates. Required.
		Verdict *Verdict
		// Composer writes remediation snippets. Required.
		Composer *Composer
	}

	// auditState is the kind-specific state schema carried through the graph.
	auditState struct {
		Submission Submission       `json:"submission"`
		Files      []FileDiff       `json:"files,omitempty"`
		Candidates []candidateState `json:"candidates,omitempty"`
	}

	candidateState struct {
		Candidate results.Candidate `json:"candidate"`
		Chunks    []knowledge.Chunk `json:"chunks,omitempty"`
		Scores    []float64         `json:"scores,omitempty"`
		Degraded  bool              `json:"degraded,omitempty"`
		Decision  Decision          `json:"decision,omitempty"`
	}
)

const (
	nodeParse     = "parse"
	nodePrefilter = "prefilter"
	nodeRetrieve  = "retrieve"
	nodeVerdict   = "verdict"
	nodeRemediate = "remediate"
	nodeReport    = "report"
)

// NewGraph declares the audit pipeline:
// parse -> prefilter -> retrieve -> verdict -> remediate -> report.
func NewGraph(deps Deps) (*workflow.Graph, error) {
	if deps.Parser == nil || deps.Prefilter == nil || deps.Retriever == nil ||
		deps.Verdict == nil || deps.Composer == nil {
		return nil, errors.New("parser, prefilter, retriever, verdict, and composer are required")
	}
	return workflow.NewGraph(job.KindAudit, nodeParse,
		workflow.Node{
			Name: nodeParse,
			Run:  deps.parse,
		},
		workflow.Node{
			Name: nodePrefilter,
			Run:  deps.prefilter,
		},
		workflow.Node{
			Name:      nodeRetrieve,
			Effectful: true,
			Timeout:   30 * time.Second,
			Retry:     retry.DefaultPolicy(),
			Run:       deps.retrieve,
		},
		workflow.Node{
			Name:    nodeVerdict,
			Timeout: 10 * time.Second,
			Retry:   retry.DefaultPolicy(),
			Run:     deps.verdict,
		},
		workflow.Node{
			Name:      nodeRemediate,
			Effectful: true,
			Timeout:   60 * time.Second,
			Retry:     retry.DefaultPolicy(),
			Run:       deps.remediate,
		},
		workflow.Node{
			Name: nodeReport,
			Run:  deps.report,
		},
	)
}

// parse decodes the submission and canonicalizes the diff. The gatekeeper
// already canonicalized for fingerprinting; canonicalization is idempotent so
// parsing here operates on identical text.
func (d Deps) parse(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var as auditState
	if err := st.GetData(&as); err != nil || as.Submission.Diff == "" {
		if err := st.GetData(&as.Submission); err != nil {
			return "", nil, fault.Wrap(fault.KindValidation, "decode audit submission", err)
		}
	}
	canon, files, err := d.Parser.Parse(as.Submission.Diff)
	if err != nil {
		return "", nil, err
	}
	as.Submission.Diff = canon
	as.Files = files
	if err := st.SetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodePrefilter, nil, nil
}

// prefilter applies the deterministic rules. A clean diff skips straight to
// the report.
func (d Deps) prefilter(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var as auditState
	if err := st.GetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	for _, c := range d.Prefilter.Apply(as.Files) {
		as.Candidates = append(as.Candidates, candidateState{Candidate: c})
	}
	if err := st.SetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	if len(as.Candidates) == 0 {
		return nodeReport, nil, nil
	}
	return nodeRetrieve, nil, nil
}

// retrieve fetches the golden-path exemplars for each candidate. A degraded
// retrieval marks only that candidate; the audit proceeds.
func (d Deps) retrieve(ctx context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var as auditState
	if err := st.GetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	for i := range as.Candidates {
		cs := &as.Candidates[i]
		query := cs.Candidate.RuleID
		if cs.Candidate.Excerpt != "" {
			query += "\n\n" + cs.Candidate.Excerpt
		}
		res, err := d.Retriever.RetrieveKnowledge(ctx, st.Tenant, query, []string{cs.Candidate.RuleID}, 0)
		if err != nil {
			return "", nil, err
		}
		if res.Degraded {
			cs.Degraded = true
			st.Degraded = true
			continue
		}
		cs.Chunks = res.Chunks
		cs.Scores = res.Scores
	}
	if err := st.SetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeVerdict, nil, nil
}

// verdict decides each candidate. Candidates whose retrieval degraded are
// kept at severity warn with no remediation rather than judged on missing
// evidence.
func (d Deps) verdict(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var as auditState
	if err := st.GetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	for i := range as.Candidates {
		cs := &as.Candidates[i]
		if cs.Degraded {
			cs.Candidate.Severity = results.SeverityWarn
			cs.Decision = DecisionAccept
			continue
		}
		j := d.Verdict.Judge(cs.Candidate, cs.Scores)
		cs.Candidate = j.Candidate
		cs.Decision = j.Decision
	}
	if err := st.SetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeRemediate, nil, nil
}

// remediate composes snippets for the accepted candidates. Degraded
// candidates carry no remediation by construction.
func (d Deps) remediate(ctx context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var as auditState
	if err := st.GetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	token := st.IdempotencyToken()
	for i := range as.Candidates {
		cs := &as.Candidates[i]
		if cs.Decision == DecisionDismiss || cs.Degraded || len(cs.Chunks) == 0 {
			continue
		}
		snip, err := d.Composer.Compose(ctx, cs.Candidate, cs.Chunks, fmt.Sprintf("%s-%d", token, i))
		if err != nil {
			return "", nil, err
		}
		cs.Candidate.Remediation = snip
	}
	if err := st.SetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}
	return nodeReport, nil, nil
}

// report emits the violation_report intervention with the surviving
// candidates ordered by (severity desc, file asc, line asc).
func (d Deps) report(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
	var as auditState
	if err := st.GetData(&as); err != nil {
		return "", nil, fault.Internal(err)
	}

	var (
		cands []results.Candidate
		cited []string
		seen  = make(map[string]bool)
	)
	for _, cs := range as.Candidates {
		if cs.Decision == DecisionDismiss {
			continue
		}
		cands = append(cands, cs.Candidate)
		for _, ch := range cs.Chunks {
			if !seen[ch.ID] {
				seen[ch.ID] = true
				cited = append(cited, ch.ID)
			}
		}
	}
	results.SortCandidates(cands)

	iv := &results.Intervention{
		Fingerprint:   st.Fingerprint,
		Tenant:        st.Tenant,
		Kind:          results.KindViolationReport,
		Severity:      results.MaxSeverity(cands),
		Body:          reportBody(cands),
		CitedChunkIDs: cited,
		Candidates:    cands,
		Degraded:      st.Degraded,
		ProducedAt:    time.Now().UTC(),
	}
	return "", iv, nil
}

func reportBody(cands []results.Candidate) string {
	if len(cands) == 0 {
		return "No violations found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d violation(s) found.\n", len(cands))
	for _, c := range cands {
		fmt.Fprintf(&sb, "\n- **%s** `%s` at %s (confidence %.2f)",
			c.Severity, c.RuleID, addedSpan(c.File, c.Line, c.EndLine), c.Confidence)
	}
	return sb.String()
}
