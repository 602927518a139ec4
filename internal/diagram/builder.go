package diagram

import (
	"fmt"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/workflow"
	"github.com/rendis/bizflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// childWorkflows lists the steps that may start a child workflow.
var childWorkflows = map[string]schema.WorkflowType{
	"convert_linked_quote": schema.WorkflowQuoteToContract,
}

// Build constructs the diagram of wfType. states, when given, are the step
// states of one run and are overlaid on the matching nodes.
func Build(wfType schema.WorkflowType, states []*store.StepState) (*DiagramModel, error) {
	names, err := workflow.StepNames(wfType)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	stateMap := make(map[string]*store.StepState, len(states))
	for _, s := range states {
		stateMap[s.StepID] = s
	}

	nodes := make([]*Node, 0, len(names)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, name := range names {
		node := &Node{ID: name, Label: name, Kind: NodeKindStep}
		overlayStatus(node, stateMap)
		if child, ok := childWorkflows[name]; ok {
			sg, err := buildSubGraph(name, child)
			if err != nil {
				return nil, err
			}
			node.Kind = NodeKindChild
			node.Children = append(node.Children, sg)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: string(wfType),
		Nodes: nodes,
		Edges: chain(nodes),
	}, nil
}

// buildSubGraph lays out a child workflow under its parent step. Child run
// states live on another instance and are not overlaid.
func buildSubGraph(parent string, wfType schema.WorkflowType) (*SubGraph, error) {
	names, err := workflow.StepNames(wfType)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}
	sg := &SubGraph{Label: string(wfType)}
	for _, name := range names {
		sg.Nodes = append(sg.Nodes, &Node{ID: parent + "." + name, Label: name, Kind: NodeKindStep})
	}
	sg.Edges = chain(sg.Nodes)
	return sg, nil
}

func overlayStatus(node *Node, stateMap map[string]*store.StepState) {
	if ss, ok := stateMap[node.ID]; ok {
		node.Status = &StatusOverlay{
			Status:     string(ss.Status),
			DurationMs: ss.DurationMs,
			Error:      ss.Error,
		}
	}
}

func chain(nodes []*Node) []Edge {
	var edges []Edge
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return edges
}
