package capabilities

// LayerTree stores the WMS layer hierarchy as a flat arena. Nodes are kept
// in document order, children are contiguous index ranges, so sibling order
// survives a round trip through the registry.
type LayerTree struct {
	Nodes []TreeNode
}

// TreeNode is one arena entry. Parent is -1 for the root.
type TreeNode struct {
	Layer    Layer
	Parent   int
	Children []int
}

// NewLayerTree creates a tree holding only a root node.
func NewLayerTree(root Layer) *LayerTree {
	return &LayerTree{Nodes: []TreeNode{{Layer: root, Parent: -1}}}
}

// Add appends a child under parent and returns its index.
func (t *LayerTree) Add(parent int, l Layer) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, TreeNode{Layer: l, Parent: parent})
	t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
	return idx
}

// Root returns the root layer. A parsed tree always has one.
func (t *LayerTree) Root() *Layer {
	return &t.Nodes[0].Layer
}

// Len returns the node count.
func (t *LayerTree) Len() int { return len(t.Nodes) }

// Find returns the index of the first layer with the given name, or -1.
// Group layers without a name are never matched.
func (t *LayerTree) Find(name string) int {
	if name == "" {
		return -1
	}
	for i, n := range t.Nodes {
		if n.Layer.Name == name {
			return i
		}
	}
	return -1
}

// Leaves returns the indices of all leaf nodes beneath idx, in document
// order. A leaf node with idx itself is returned as a single element.
func (t *LayerTree) Leaves(idx int) []int {
	if len(t.Nodes[idx].Children) == 0 {
		return []int{idx}
	}
	var out []int
	for _, c := range t.Nodes[idx].Children {
		out = append(out, t.Leaves(c)...)
	}
	return out
}

// LeafNames resolves the named leaf layers beneath each of the given layer
// names. Unknown names are passed through untouched so the origin server
// produces its own exception for them.
func (t *LayerTree) LeafNames(names []string) []string {
	var out []string
	for _, name := range names {
		idx := t.Find(name)
		if idx < 0 {
			out = append(out, name)
			continue
		}
		for _, leaf := range t.Leaves(idx) {
			if n := t.Nodes[leaf].Layer.Name; n != "" {
				out = append(out, n)
			}
		}
	}
	return out
}

// Walk visits every node depth first in document order.
func (t *LayerTree) Walk(fn func(idx int, node TreeNode)) {
	if len(t.Nodes) == 0 {
		return
	}
	var visit func(int)
	visit = func(i int) {
		fn(i, t.Nodes[i])
		for _, c := range t.Nodes[i].Children {
			visit(c)
		}
	}
	visit(0)
}

// inherit fills the child fields the document left empty with the parent
// values, per the WMS inheritance rules.
func inherit(child, parent Layer) Layer {
	if len(child.SRIDs) == 0 {
		child.SRIDs = parent.SRIDs
	}
	if child.WGS84Bounds == nil {
		child.WGS84Bounds = parent.WGS84Bounds
	}
	if len(child.Styles) == 0 {
		child.Styles = parent.Styles
	}
	if !child.queryableSet {
		child.Queryable = parent.Queryable
		child.queryableSet = parent.queryableSet
	}
	return child
}
