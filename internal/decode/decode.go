// Package decode turns storage service response bodies into a uniform
// shape that error extractors and callers can walk by path.
package decode

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Kind int

const (
	KindEmpty Kind = iota
	KindXML
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindXML:
		return "xml"
	case KindJSON:
		return "json"
	default:
		return "empty"
	}
}

// Node is one XML element. Namespaces are dropped, only local names are
// kept.
type Node struct {
	Name     string
	Text     string
	Children []*Node
}

// Child returns the first direct child named name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every direct child named name, in document order.
func (n *Node) ChildrenNamed(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Find walks path from n, taking the first matching child at each step.
func (n *Node) Find(path ...string) *Node {
	cur := n
	for _, p := range path {
		cur = cur.Child(p)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Body is a decoded response. Tree is set for XML bodies and Value for JSON
// bodies. The XML tree is rooted at a nameless document node, so the first
// path element is the document element.
type Body struct {
	Kind  Kind
	Tree  *Node
	Value any
}

// Empty is the body of a response that carried no bytes.
var Empty = Body{Kind: KindEmpty}

// Lookup returns the value at path. XML nodes yield their trimmed text,
// JSON yields the raw decoded value.
func (b Body) Lookup(path ...string) (any, bool) {
	switch b.Kind {
	case KindXML:
		n := b.Tree.Find(path...)
		if n == nil {
			return nil, false
		}
		return n.Text, true
	case KindJSON:
		cur := b.Value
		for _, p := range path {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[p]
			if !ok {
				return nil, false
			}
		}
		return cur, true
	default:
		return nil, false
	}
}

// String returns the value at path rendered as text. Missing values, JSON
// null and JSON objects or arrays report false.
func (b Body) String(path ...string) (string, bool) {
	v, ok := b.Lookup(path...)
	if !ok {
		return "", false
	}
	switch v := v.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// Int returns the value at path as an integer.
func (b Body) Int(path ...string) (int, bool) {
	s, ok := b.String(path...)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return i, true
}

var ErrUnknownFormat = errors.New("body is neither XML nor JSON")

// Sniff decodes data as XML when its first non-space byte is '<' and as
// JSON when it is '{' or '['. An empty or blank body decodes to Empty.
func Sniff(data []byte) (Body, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Empty, nil
	}
	switch trimmed[0] {
	case '<':
		return XML(bytes.NewReader(trimmed))
	case '{', '[':
		return JSON(bytes.NewReader(trimmed))
	default:
		return Body{}, ErrUnknownFormat
	}
}

// XML decodes an XML document into a Node tree.
func XML(r io.Reader) (Body, error) {
	dec := xml.NewDecoder(r)
	root := &Node{}
	stack := []*Node{root}
	text := []string{""}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Body{}, fmt.Errorf("decode xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, n)
			stack = append(stack, n)
			text = append(text, "")
		case xml.CharData:
			text[len(text)-1] += string(t)
		case xml.EndElement:
			n := stack[len(stack)-1]
			n.Text = strings.TrimSpace(text[len(text)-1])
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]
		}
	}

	if len(stack) != 1 {
		return Body{}, fmt.Errorf("decode xml: %w", io.ErrUnexpectedEOF)
	}
	if len(root.Children) == 0 {
		return Empty, nil
	}
	return Body{Kind: KindXML, Tree: root}, nil
}

// JSON decodes a JSON document. Numbers are kept as json.Number.
func JSON(r io.Reader) (Body, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return Empty, nil
		}
		return Body{}, fmt.Errorf("decode json: %w", err)
	}
	return Body{Kind: KindJSON, Value: v}, nil
}
