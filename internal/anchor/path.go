package anchor

import "golang.org/x/net/html"

// PathPoint addresses a boundary point by the child indexes leading from the
// container to its node. Live hosts use it to describe selections.
type PathPoint struct {
	Path   []int `json:"path"`
	Offset int   `json:"offset"`
}

// ResolvePath walks path from container. An empty path is the container itself.
func ResolvePath(container *html.Node, path []int) (*html.Node, bool) {
	n := container
	if n == nil {
		return nil, false
	}
	for _, idx := range path {
		if idx < 0 {
			return nil, false
		}
		c := n.FirstChild
		for i := 0; c != nil && i < idx; i++ {
			c = c.NextSibling
		}
		if c == nil {
			return nil, false
		}
		n = c
	}
	return n, true
}

// PathOf returns the child-index path from container to n.
func PathOf(container, n *html.Node) ([]int, bool) {
	if !Contains(container, n) {
		return nil, false
	}
	var rev []int
	for p := n; p != container; p = p.Parent {
		idx := 0
		for s := p.PrevSibling; s != nil; s = s.PrevSibling {
			idx++
		}
		rev = append(rev, idx)
	}
	path := make([]int, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path, true
}

// Resolve converts pp into a Point under container.
func (pp PathPoint) Resolve(container *html.Node) (Point, bool) {
	n, ok := ResolvePath(container, pp.Path)
	if !ok {
		return Point{}, false
	}
	return Point{Node: n, Offset: pp.Offset}, true
}
