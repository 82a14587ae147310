package schema

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// element is a namespace-agnostic view of one XML element.
type element struct {
	name     string
	text     string
	children []*element
}

// parseDocument builds an element tree from raw XML. The declaration flag
// reports whether the document starts with an XML declaration.
func parseDocument(doc []byte) (root *element, declared bool, err error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.Strict = true

	var stack []*element
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, declared, err
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if t.Target == "xml" && root == nil {
				declared = true
			}
		case xml.StartElement:
			el := &element{name: t.Name.Local}
			if len(stack) == 0 {
				if root != nil {
					return nil, declared, errors.New("multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, declared, errors.New("no root element")
	}
	return root, declared, nil
}

// value returns the trimmed text content.
func (e *element) value() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.text)
}

// find resolves a slash separated path. The first segment may match at any
// depth; the remaining segments must be direct children.
func (e *element) find(path string) *element {
	if e == nil {
		return nil
	}
	segments := strings.Split(path, "/")
	for _, start := range e.descendants(segments[0]) {
		if hit := start.walk(segments[1:]); hit != nil {
			return hit
		}
	}
	return nil
}

// first returns the first element found for any of the given paths.
func (e *element) first(paths ...string) *element {
	for _, p := range paths {
		if hit := e.find(p); hit != nil {
			return hit
		}
	}
	return nil
}

func (e *element) walk(segments []string) *element {
	if len(segments) == 0 {
		return e
	}
	for _, c := range e.children {
		if c.name == segments[0] {
			if hit := c.walk(segments[1:]); hit != nil {
				return hit
			}
		}
	}
	return nil
}

// descendants returns e and every element below it named name, in document order.
func (e *element) descendants(name string) []*element {
	var out []*element
	var visit func(*element)
	visit = func(n *element) {
		if n.name == name {
			out = append(out, n)
		}
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(e)
	return out
}

// anyMatch reports whether some element below e satisfies fn.
func (e *element) anyMatch(fn func(*element) bool) bool {
	if e == nil {
		return false
	}
	if fn(e) {
		return true
	}
	for _, c := range e.children {
		if c.anyMatch(fn) {
			return true
		}
	}
	return false
}

// count returns how many elements below e satisfy fn.
func (e *element) count(fn func(*element) bool) int {
	if e == nil {
		return 0
	}
	n := 0
	if fn(e) {
		n++
	}
	for _, c := range e.children {
		n += c.count(fn)
	}
	return n
}
