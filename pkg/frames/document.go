package frames

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSelector is returned for selectors outside the supported grammar.
var ErrInvalidSelector = errors.New("invalid selector")

// Node is one element of a Document.
type Node struct {
	ID       string            `json:"id,omitempty" yaml:"id,omitempty"`
	Tag      string            `json:"tag" yaml:"tag"`
	Classes  []string          `json:"classes,omitempty" yaml:"classes,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Text     string            `json:"text,omitempty" yaml:"text,omitempty"`
	Children []*Node           `json:"children,omitempty" yaml:"children,omitempty"`

	parent *Node
}

// ElementID implements runtime.Element.
func (n *Node) ElementID() string {
	return n.ID
}

// Parent returns the enclosing node, nil for the document root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Document is an in-memory element tree implementing runtime.Document.
type Document struct {
	root *Node
	byID map[string]*Node
}

// NewDocument indexes root. Elements without an id cannot be referenced by ElementRef.
func NewDocument(root *Node) *Document {
	if root == nil {
		root = &Node{Tag: "html"}
	}
	d := &Document{root: root, byID: make(map[string]*Node)}
	d.index(root, nil)
	return d
}

// LoadDocument decodes a YAML or JSON element tree.
func LoadDocument(r io.Reader) (*Document, error) {
	var root Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return NewDocument(&root), nil
}

func (d *Document) index(n, parent *Node) {
	n.parent = parent
	if n.ID != "" {
		d.byID[n.ID] = n
	}
	for _, child := range n.Children {
		d.index(child, n)
	}
}

// Root implements runtime.Document.
func (d *Document) Root() runtime.Element {
	return d.root
}

// Lookup implements runtime.Document.
func (d *Document) Lookup(_ context.Context, ref domain.ElementRef) (runtime.Element, error) {
	n, ok := d.byID[ref.ID]
	if !ok {
		return nil, domain.NewBusinessError(domain.ErrRootNotFound, "element %q", ref.ID)
	}
	return n, nil
}

// Query implements runtime.Document. It returns descendants of root matching
// selector in document order; root itself is never matched.
func (d *Document) Query(ctx context.Context, root runtime.Element, selector domain.Selector) ([]runtime.Element, error) {
	compiled, err := parseSelector(string(selector))
	if err != nil {
		return nil, err
	}
	start, ok := root.(*Node)
	if !ok || start == nil {
		start = d.root
	}

	var out []runtime.Element
	var walk func(n *Node) error
	walk = func(n *Node) error {
		for _, child := range n.Children {
			if err := ctx.Err(); err != nil {
				return err
			}
			if compiled.matches(child) {
				out = append(out, child)
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(start); err != nil {
		return nil, err
	}
	return out, nil
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   map[string]string
}

func (c compound) matches(n *Node) bool {
	if c.tag != "" && c.tag != "*" && !strings.EqualFold(c.tag, n.Tag) {
		return false
	}
	if c.id != "" && c.id != n.ID {
		return false
	}
	for _, class := range c.classes {
		found := false
		for _, have := range n.Classes {
			if have == class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, want := range c.attrs {
		have, ok := n.Attrs[key]
		if !ok || (want != "" && have != want) {
			return false
		}
	}
	return true
}

// selector is a chain of compounds joined by descendant combinators.
type selector []compound

func (s selector) matches(n *Node) bool {
	if len(s) == 0 || !s[len(s)-1].matches(n) {
		return false
	}
	i := len(s) - 2
	for anc := n.parent; anc != nil && i >= 0; anc = anc.parent {
		if s[i].matches(anc) {
			i--
		}
	}
	return i < 0
}

func parseSelector(src string) (selector, error) {
	fields := strings.Fields(src)
	if len(fields) == 0 {
		return nil, domain.NewBusinessError(ErrInvalidSelector, "empty selector")
	}
	out := make(selector, 0, len(fields))
	for _, field := range fields {
		c, err := parseCompound(field)
		if err != nil {
			return nil, domain.NewBusinessError(ErrInvalidSelector, "%q: %v", src, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCompound(src string) (compound, error) {
	var c compound
	i := 0
	readName := func() string {
		start := i
		for i < len(src) && !strings.ContainsRune("#.[", rune(src[i])) {
			i++
		}
		return src[start:i]
	}

	c.tag = readName()
	for i < len(src) {
		switch src[i] {
		case '#':
			i++
			if c.id = readName(); c.id == "" {
				return c, fmt.Errorf("empty id")
			}
		case '.':
			i++
			class := readName()
			if class == "" {
				return c, fmt.Errorf("empty class")
			}
			c.classes = append(c.classes, class)
		case '[':
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute")
			}
			key, value, _ := strings.Cut(src[i+1:i+end], "=")
			if key == "" {
				return c, fmt.Errorf("empty attribute name")
			}
			if c.attrs == nil {
				c.attrs = map[string]string{}
			}
			c.attrs[key] = strings.Trim(value, `"'`)
			i += end + 1
		default:
			return c, fmt.Errorf("unexpected %q", src[i])
		}
	}
	return c, nil
}
