// Package offline walks a static triage decision tree. It has no network
// dependency and every step is a pure function of the node and the answer.
package offline

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_flow.yaml
var defaultFlow []byte

// ErrUnknownNode is returned for a node id the flow does not define.
var ErrUnknownNode = errors.New("unknown offline node")

// Option is a fixed answer and the node it leads to.
type Option struct {
	Label string `yaml:"label" json:"label"`
	Next  string `yaml:"next" json:"next"`
}

// Recommendation is the terminal payload of the tree.
type Recommendation struct {
	NodeID string `yaml:"-" json:"node_id"`
	Level  string `yaml:"level" json:"level"`
	Title  string `yaml:"title" json:"title"`
	Advice string `yaml:"advice" json:"advice"`
}

// Node is one step of the tree.
type Node struct {
	ID             string          `yaml:"-" json:"id"`
	Text           string          `yaml:"text" json:"text"`
	Options        []Option        `yaml:"options,omitempty" json:"options,omitempty"`
	Default        string          `yaml:"default,omitempty" json:"default,omitempty"`
	Recommendation *Recommendation `yaml:"recommendation,omitempty" json:"recommendation,omitempty"`
}

// Terminal reports whether the node ends the walk.
func (n *Node) Terminal() bool {
	return n.Recommendation != nil
}

// OptionLabels lists the labels of the node's options.
func (n *Node) OptionLabels() []string {
	labels := make([]string, len(n.Options))
	for i, o := range n.Options {
		labels[i] = o.Label
	}
	return labels
}

// Step is the outcome of processing one answer.
type Step struct {
	Node *Node `json:"node"`
	// Reprompt is set when the answer matched nothing and the walk stayed on
	// the same node.
	Reprompt       bool            `json:"reprompt"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// Flow is a loaded, validated decision tree. It is read-only after Load.
type Flow struct {
	start string
	nodes map[string]*Node
}

type flowDoc struct {
	Start string           `yaml:"start"`
	Nodes map[string]*Node `yaml:"nodes"`
}

// Default returns the embedded flow.
func Default() *Flow {
	f, err := Parse(defaultFlow)
	if err != nil {
		panic(fmt.Sprintf("embedded offline flow is invalid: %v", err))
	}
	return f
}

// Load reads a flow from path, or returns the embedded flow when path is empty.
func Load(path string) (*Flow, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading offline flow %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing offline flow %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a flow document.
func Parse(data []byte) (*Flow, error) {
	var doc flowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	f := &Flow{start: doc.Start, nodes: doc.Nodes}
	for id, n := range f.nodes {
		if n == nil {
			return nil, fmt.Errorf("node %q is empty", id)
		}
		n.ID = id
		if n.Recommendation != nil {
			n.Recommendation.NodeID = id
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks that every edge points at a defined node and that every
// non-terminal node can advance.
func (f *Flow) Validate() error {
	if _, ok := f.nodes[f.start]; !ok {
		return fmt.Errorf("start node %q not defined", f.start)
	}
	for id, n := range f.nodes {
		if n.Terminal() {
			continue
		}
		if len(n.Options) == 0 && n.Default == "" {
			return fmt.Errorf("node %q has no options, default or recommendation", id)
		}
		for _, o := range n.Options {
			if _, ok := f.nodes[o.Next]; !ok {
				return fmt.Errorf("node %q option %q points at unknown node %q", id, o.Label, o.Next)
			}
		}
		if n.Default != "" {
			if _, ok := f.nodes[n.Default]; !ok {
				return fmt.Errorf("node %q default points at unknown node %q", id, n.Default)
			}
		}
	}
	return nil
}

// StartNode returns the first node of the walk.
func (f *Flow) StartNode() *Node {
	return f.nodes[f.start]
}

// Node returns the node with id.
func (f *Flow) Node(id string) (*Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	return n, nil
}

// ProcessStep advances from currentID with answer. Where the node has options
// the answer must match a label, ignoring case and surrounding space, or the
// default edge is taken. A node without options advances on any non-empty
// answer. Otherwise the walk stays put and Reprompt is set.
func (f *Flow) ProcessStep(currentID, answer string) (Step, error) {
	cur, err := f.Node(currentID)
	if err != nil {
		return Step{}, err
	}
	if cur.Terminal() {
		return Step{Node: cur, Recommendation: cur.Recommendation}, nil
	}

	answer = strings.TrimSpace(answer)
	next := ""
	for _, o := range cur.Options {
		if strings.EqualFold(o.Label, answer) {
			next = o.Next
			break
		}
	}
	if next == "" && answer != "" {
		next = cur.Default
	}
	if next == "" {
		return Step{Node: cur, Reprompt: true}, nil
	}

	n, err := f.Node(next)
	if err != nil {
		return Step{}, err
	}
	return Step{Node: n, Recommendation: n.Recommendation}, nil
}
