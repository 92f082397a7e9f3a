// Package decompose splits a task into delegatable subtasks. It detects
// explicit structure (numbered lists, sequential connectives), annotates
// each subtask with attribute ratings from keyword lexicons, and
// attenuates the parent's resource constraints across the split.
package decompose

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/core"
)

// SubTask is one delegatable unit of the parent task.
type SubTask struct {
	SubTaskID   string               `json:"sub_task_id"`
	Text        string               `json:"text"`
	Attributes  core.TaskAttribute   `json:"attributes"`
	Constraints core.TaskConstraints `json:"constraints"`
	DependsOn   []string             `json:"depends_on,omitempty"`
}

// Result is either a decomposition or a decision to skip delegation.
type Result struct {
	Skip             bool       `json:"skip_delegation"`
	Reason           string     `json:"reason,omitempty"`
	SubTasks         []SubTask  `json:"sub_tasks,omitempty"`
	ExecutionOrder   [][]string `json:"execution_order,omitempty"`
	OriginalTaskText string     `json:"original_task_text"`
}

// Options tunes the decomposer.
type Options struct {
	// ComplexityFloorWords skips delegation for unstructured tasks
	// shorter than this.
	ComplexityFloorWords int
	// MaxSubTasks caps the split.
	MaxSubTasks int
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{ComplexityFloorWords: 20, MaxSubTasks: 8}
}

// Decomposer is stateless; it is safe to share.
type Decomposer struct {
	opts Options
}

// New returns a decomposer.
func New(opts Options) *Decomposer {
	if opts.ComplexityFloorWords <= 0 {
		opts.ComplexityFloorWords = 20
	}
	if opts.MaxSubTasks <= 0 {
		opts.MaxSubTasks = 8
	}
	return &Decomposer{opts: opts}
}

var (
	listItemPattern   = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
	sequentialLead    = regexp.MustCompile(`(?i)^\s*first\b[,:]?\s*`)
	sequentialSplit   = regexp.MustCompile(`(?i)\s*[,.;]\s*(?:and\s+)?(?:then|after\s+that|finally|next)\b[,:]?\s*`)
	trailingSeparator = regexp.MustCompile(`[.,;\s]+$`)
)

// Decompose splits the task. peerCount is how many peers are available
// to execute subtasks.
func (d *Decomposer) Decompose(taskText string, peerCount int, constraints core.TaskConstraints) Result {
	result := Result{OriginalTaskText: taskText}

	if peerCount == 0 {
		result.Skip = true
		result.Reason = "no peers available"
		return result
	}

	parts, sequential := d.split(taskText)
	if len(parts) <= 1 && wordCount(taskText) < d.opts.ComplexityFloorWords {
		result.Skip = true
		result.Reason = fmt.Sprintf("task below complexity floor (%d words)", d.opts.ComplexityFloorWords)
		return result
	}
	if len(parts) == 0 {
		parts = []string{taskText}
	}
	if len(parts) > d.opts.MaxSubTasks {
		parts = parts[:d.opts.MaxSubTasks]
	}

	attenuated := attenuate(constraints, len(parts))
	var prevID string
	for _, text := range parts {
		st := SubTask{
			SubTaskID:   uuid.New().String(),
			Text:        text,
			Attributes:  Analyze(text),
			Constraints: attenuated,
		}
		if sequential && prevID != "" {
			st.DependsOn = []string{prevID}
		}
		result.SubTasks = append(result.SubTasks, st)
		prevID = st.SubTaskID
	}

	if sequential {
		for _, st := range result.SubTasks {
			result.ExecutionOrder = append(result.ExecutionOrder, []string{st.SubTaskID})
		}
	} else {
		group := make([]string, len(result.SubTasks))
		for i, st := range result.SubTasks {
			group[i] = st.SubTaskID
		}
		result.ExecutionOrder = [][]string{group}
	}
	return result
}

// split extracts subtask texts, reporting whether they are ordered.
// Numbered or bulleted lists run in parallel; sequential connectives
// force one-at-a-time groups.
func (d *Decomposer) split(taskText string) (parts []string, sequential bool) {
	var items []string
	for _, line := range strings.Split(taskText, "\n") {
		if m := listItemPattern.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	if len(items) >= 2 {
		return items, false
	}

	stripped := sequentialLead.ReplaceAllString(taskText, "")
	hadLead := stripped != taskText
	segments := sequentialSplit.Split(stripped, -1)
	if len(segments) >= 2 || (hadLead && len(segments) >= 1 && sequentialSplit.MatchString(taskText)) {
		out := segments[:0]
		for _, seg := range segments {
			seg = strings.TrimSpace(trailingSeparator.ReplaceAllString(seg, ""))
			if seg != "" {
				out = append(out, seg)
			}
		}
		if len(out) >= 2 {
			return out, true
		}
	}

	return []string{taskText}, false
}

var (
	criticalityWords   = []string{"production", "prod", "deploy", "release", "critical", "live", "payment", "customer data"}
	verifiabilityWords = []string{"test", "verify", "validate", "check", "lint", "compile", "build", "benchmark"}
	irreversibleWords  = []string{"delete", "remove", "drop", "send", "publish", "deploy", "email", "overwrite", "truncate"}
	subjectiveWords    = []string{"review", "assess", "judge", "opinion", "design", "creative", "brainstorm", "decide", "prioritize"}
)

// Analyze rates one subtask's text against the keyword lexicons.
func Analyze(text string) core.TaskAttribute {
	lower := strings.ToLower(text)

	attr := core.TaskAttribute{
		Complexity:    complexityFor(wordCount(text)),
		Criticality:   core.LevelLow,
		Verifiability: core.LevelMedium,
		Reversibility: core.LevelHigh,
	}
	if containsAny(lower, criticalityWords) {
		attr.Criticality = core.LevelHigh
	}
	if containsAny(lower, verifiabilityWords) {
		attr.Verifiability = core.LevelHigh
	}
	if containsAny(lower, irreversibleWords) {
		attr.Reversibility = core.LevelLow
	}
	if containsAny(lower, subjectiveWords) {
		attr.Verifiability = core.LevelLow
		attr.DelegationTarget = "human"
	}
	return attr
}

func complexityFor(words int) core.AttributeLevel {
	switch {
	case words < 10:
		return core.LevelLow
	case words < 30:
		return core.LevelMedium
	default:
		return core.LevelHigh
	}
}

// attenuate divides the parent's resource caps evenly across n
// subtasks. The tool allowlist propagates unchanged.
func attenuate(c core.TaskConstraints, n int) core.TaskConstraints {
	if n <= 1 {
		return c
	}
	out := c
	if c.MaxDurationMs > 0 {
		out.MaxDurationMs = c.MaxDurationMs / int64(n)
	}
	if c.MaxTokens > 0 {
		out.MaxTokens = c.MaxTokens / uint64(n)
	}
	if c.MaxCostUSD > 0 {
		out.MaxCostUSD = c.MaxCostUSD / float64(n)
	}
	return out
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
