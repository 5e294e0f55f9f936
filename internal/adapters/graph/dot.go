package graph

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/eleven-am/stagecoach/internal/domain"
)

var stateColors = map[domain.StageState]string{
	domain.StagePending:           "white",
	domain.StageRunnable:          "lightblue",
	domain.StageAssigned:          "khaki",
	domain.StageRunning:           "gold",
	domain.StageFinished:          "palegreen",
	domain.StageFailed:            "orange",
	domain.StagePermanentlyFailed: "tomato",
	domain.StageUnreachable:       "gray",
}

// WriteDOT renders the graph in Graphviz format, one node per stage coloured
// by its current state.
func (g *Graph) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph pipeline {")
	fmt.Fprintln(bw, "  node [shape=box, style=filled];")
	for _, id := range g.order {
		n := g.nodes[id]
		label := n.stage.Name
		if label == "" {
			label = string(id)
		}
		fmt.Fprintf(bw, "  %q [label=%q, fillcolor=%s];\n", string(id), label, stateColors[n.stage.State])
	}
	for _, id := range g.order {
		for _, succ := range g.nodes[id].succs {
			fmt.Fprintf(bw, "  %q -> %q;\n", string(id), string(succ))
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func (g *Graph) DOT() string {
	var sb strings.Builder
	_ = g.WriteDOT(&sb)
	return sb.String()
}
