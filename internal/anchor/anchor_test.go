package anchor

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func parseContainer(t *testing.T, markup string) *html.Node {
	t.Helper()
	context := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		t.Fatalf("parse fragment failed: %v", err)
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root
}

func mustResolve(t *testing.T, root *html.Node, path ...int) *html.Node {
	t.Helper()
	n, ok := ResolvePath(root, path)
	if !ok {
		t.Fatalf("path %v did not resolve", path)
	}
	return n
}

func TestProjection(t *testing.T) {
	root := parseContainer(t, `<p>The <strong>quick</strong> brown fox</p><script>var x = 1;</script>`)
	text, n := Projection(root)
	if text != "The quick brown fox" {
		t.Fatalf("unexpected projection %q", text)
	}
	if n != 19 {
		t.Errorf("expected length 19, got %d", n)
	}
}

func TestCaptureSingleTextNode(t *testing.T) {
	root := parseContainer(t, `<p>The quick brown fox</p>`)
	text := mustResolve(t, root, 0, 0)

	got := Capture(root, &Selection{Anchor: Point{text, 4}, Focus: Point{text, 9}})
	if got == nil {
		t.Fatal("expected a selection result")
	}
	if got.Text != "quick" || got.StartOffset != 4 || got.EndOffset != 9 {
		t.Errorf("unexpected result %+v", *got)
	}
}

func TestCaptureAcrossElementsAndBackwards(t *testing.T) {
	root := parseContainer(t, `<p>The <strong>quick</strong> brown fox</p>`)
	quick := mustResolve(t, root, 0, 1, 0)
	tail := mustResolve(t, root, 0, 2)

	forward := Capture(root, &Selection{Anchor: Point{quick, 0}, Focus: Point{tail, 6}})
	backward := Capture(root, &Selection{Anchor: Point{tail, 6}, Focus: Point{quick, 0}})
	for _, got := range []*SelectionResult{forward, backward} {
		if got == nil {
			t.Fatal("expected a selection result")
		}
		if got.Text != "quick brown" || got.StartOffset != 4 || got.EndOffset != 15 {
			t.Errorf("unexpected result %+v", *got)
		}
	}
}

func TestCaptureTrimsTextButKeepsOffsets(t *testing.T) {
	root := parseContainer(t, `<p>The quick brown fox</p>`)
	text := mustResolve(t, root, 0, 0)

	got := Capture(root, &Selection{Anchor: Point{text, 3}, Focus: Point{text, 10}})
	if got == nil {
		t.Fatal("expected a selection result")
	}
	if got.Text != "quick" {
		t.Errorf("expected trimmed text, got %q", got.Text)
	}
	if got.StartOffset != 3 || got.EndOffset != 10 {
		t.Errorf("expected untrimmed offsets 3-10, got %d-%d", got.StartOffset, got.EndOffset)
	}
}

func TestCaptureReturnsNil(t *testing.T) {
	root := parseContainer(t, `<p>The quick   brown fox</p>`)
	text := mustResolve(t, root, 0, 0)
	outside := parseContainer(t, `<p>elsewhere</p>`)
	outsideText := mustResolve(t, outside, 0, 0)

	cases := map[string]*Selection{
		"no selection": nil,
		"collapsed":    {Anchor: Point{text, 4}, Focus: Point{text, 4}},
		"whitespace":   {Anchor: Point{text, 9}, Focus: Point{text, 12}},
		"outside":      {Anchor: Point{text, 0}, Focus: Point{outsideText, 3}},
		"nil node":     {Anchor: Point{nil, 0}, Focus: Point{text, 3}},
	}
	for name, sel := range cases {
		if got := Capture(root, sel); got != nil {
			t.Errorf("%s: expected nil, got %+v", name, *got)
		}
	}
}

func TestOffsetOfElementBoundary(t *testing.T) {
	root := parseContainer(t, `<p>The <strong>quick</strong> brown fox</p>`)
	p := mustResolve(t, root, 0)

	cases := []struct {
		point Point
		want  int
	}{
		{Point{p, 0}, 0},
		{Point{p, 1}, 4},
		{Point{p, 2}, 9},
		{Point{p, 3}, 19},
		{Point{root, 1}, 19},
	}
	for _, tc := range cases {
		got, ok := OffsetOf(root, tc.point)
		if !ok {
			t.Fatalf("OffsetOf(%v) failed", tc.point.Offset)
		}
		if got != tc.want {
			t.Errorf("expected offset %d for child index %d, got %d", tc.want, tc.point.Offset, got)
		}
	}
}

func TestLocateBoundaryAssignment(t *testing.T) {
	root := parseContainer(t, `<p>ab</p><p>cd</p>`)
	ab := mustResolve(t, root, 0, 0)
	cd := mustResolve(t, root, 1, 0)

	r, ok := Locate(root, 2, 4)
	if !ok {
		t.Fatal("expected range")
	}
	if r.StartNode != cd || r.StartOffset != 0 {
		t.Errorf("start offset on a boundary should open the next node")
	}

	r, ok = Locate(root, 0, 2)
	if !ok {
		t.Fatal("expected range")
	}
	if r.EndNode != ab || r.EndOffset != 2 {
		t.Errorf("end offset on a boundary should close the previous node")
	}
	if r.String() != "ab" {
		t.Errorf("expected ab, got %q", r.String())
	}
}

func TestLocateInvalidOffsets(t *testing.T) {
	root := parseContainer(t, `<p>The quick brown fox</p>`)
	_, total := Projection(root)

	cases := [][2]int{{-1, 5}, {10, 5}, {5, 5}, {0, total + 100}}
	for _, c := range cases {
		if _, ok := Locate(root, c[0], c[1]); ok {
			t.Errorf("expected Locate(%d, %d) to fail", c[0], c[1])
		}
	}
	if _, ok := Locate(parseContainer(t, `<p></p>`), 0, 1); ok {
		t.Error("expected Locate on empty container to fail")
	}
	if _, ok := Locate(nil, 0, 1); ok {
		t.Error("expected Locate on nil container to fail")
	}
}

func TestLocateCaptureRoundTrip(t *testing.T) {
	root := parseContainer(t, `<h1>Title</h1><p>One <em>two <strong>three</strong></em> four</p><ul><li>five</li><li>six</li></ul>`)
	projection, total := Projection(root)

	for start := 0; start < total; start++ {
		for end := start + 1; end <= total; end++ {
			r, ok := Locate(root, start, end)
			if !ok {
				t.Fatalf("Locate(%d, %d) failed", start, end)
			}
			want := Slice(projection, start, end)
			if r.String() != want {
				t.Fatalf("Locate(%d, %d) = %q, want %q", start, end, r.String(), want)
			}
			if strings.TrimSpace(want) == "" {
				continue
			}
			got := Capture(root, &Selection{
				Anchor: Point{r.StartNode, r.StartOffset},
				Focus:  Point{r.EndNode, r.EndOffset},
			})
			if got == nil || got.StartOffset != start || got.EndOffset != end {
				t.Fatalf("Capture of located range %d-%d = %+v", start, end, got)
			}
		}
	}
}

func TestUTF16Offsets(t *testing.T) {
	root := parseContainer(t, `<p>a😀b</p>`)
	_, total := Projection(root)
	if total != 4 {
		t.Fatalf("expected 4 units, got %d", total)
	}
	r, ok := Locate(root, 1, 3)
	if !ok {
		t.Fatal("expected range")
	}
	if r.String() != "😀" {
		t.Errorf("expected emoji, got %q", r.String())
	}
}

func TestPathRoundTrip(t *testing.T) {
	root := parseContainer(t, `<p>The <strong>quick</strong> brown fox</p>`)
	quick := mustResolve(t, root, 0, 1, 0)

	path, ok := PathOf(root, quick)
	if !ok {
		t.Fatal("PathOf failed")
	}
	if len(path) != 3 || path[0] != 0 || path[1] != 1 || path[2] != 0 {
		t.Errorf("unexpected path %v", path)
	}
	if _, ok := ResolvePath(root, []int{0, 7}); ok {
		t.Error("expected out of range path to fail")
	}
	point, ok := PathPoint{Path: path, Offset: 2}.Resolve(root)
	if !ok || point.Node != quick || point.Offset != 2 {
		t.Errorf("unexpected resolved point %+v", point)
	}
}

func TestReanchor(t *testing.T) {
	projection := "The quick brown fox"

	if h := Reanchor(projection, 4, 9, "quick"); h.Verdict != VerdictIntact {
		t.Errorf("expected intact, got %s", h.Verdict)
	}

	edited := "A very quick brown fox"
	h := Reanchor(edited, 4, 9, "quick")
	if h.Verdict != VerdictRelocated || h.StartOffset != 7 || h.EndOffset != 12 {
		t.Errorf("expected relocation to 7-12, got %+v", h)
	}

	if h := Reanchor("The slow brown fox", 4, 9, "quick"); h.Verdict != VerdictStale {
		t.Errorf("expected stale, got %s", h.Verdict)
	}
}

func TestReanchorPrefersNearestOccurrence(t *testing.T) {
	projection := "fox one fox two fox"
	h := Reanchor(projection, 15, 18, "dog")
	if h.Verdict != VerdictStale {
		t.Fatalf("expected stale, got %s", h.Verdict)
	}
	h = Reanchor(projection, 14, 17, "fox")
	if h.Verdict != VerdictRelocated || h.StartOffset != 16 {
		t.Errorf("expected nearest occurrence at 16, got %+v", h)
	}
}
