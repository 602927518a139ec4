// Package diagram renders the step list of a workflow, optionally overlaid
// with the step states of one run, as Mermaid, ASCII or a graphviz image.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindChild NodeKind = "child"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single step.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // steps of a child workflow started by this step
}

// SubGraph holds the steps of a child workflow.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the recorded state of a step.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge connects two consecutive steps.
type Edge struct {
	From  string
	To    string
	Label string
}
