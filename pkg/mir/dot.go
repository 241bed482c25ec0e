package mir

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"
)

var blockColors = map[BlockType]string{
	BlockDispatcher: "orange",
	BlockExit:       "lightblue",
	BlockExternal:   "gray",
	BlockStop:       "gray",
}

// Dot renders the graph in Graphviz format. When withInsns is set each node
// lists its instructions.
func (g *Graph) Dot(withInsns bool) string {
	out := dot.NewGraph(dot.Directed)
	out.Attr("label", g.Name)

	nodes := make([]dot.Node, len(g.Blocks))
	for _, b := range g.Blocks {
		label := fmt.Sprintf("%d: 0x%x (%s)", b.Serial, b.Start, b.Type)
		if withInsns {
			var sb strings.Builder
			sb.WriteString(label)
			sb.WriteString(`\l`)
			for _, in := range b.Insns {
				sb.WriteString(in.String())
				sb.WriteString(`\l`)
			}
			label = sb.String()
		}
		n := out.Node(fmt.Sprintf("blk%d", b.Serial)).Box().Label(label)
		if color, ok := blockColors[b.Type]; ok {
			n.Attr("style", "filled").Attr("fillcolor", color)
		}
		nodes[b.Serial] = n
	}
	for _, e := range g.Edges() {
		edge := out.Edge(nodes[e.From], nodes[e.To])
		if e.Guard != "" {
			edge.Label(e.Guard)
		}
	}
	return out.String()
}
