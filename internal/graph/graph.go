// Package graph holds the declarative model description submitted with a
// training job: nodes with typed parameters connected by directed edges.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("graph: invalid")

// NodeType identifies what a node computes. Comparisons are case-insensitive;
// use Node.Kind to get the canonical form.
type NodeType string

const (
	Input      NodeType = "input"
	Output     NodeType = "output"
	Linear     NodeType = "linear"
	Conv2D     NodeType = "conv2d"
	MaxPool2D  NodeType = "maxpool2d"
	AvgPool2D  NodeType = "avgpool2d"
	Flatten    NodeType = "flatten"
	Activation NodeType = "activation"
	ReLU       NodeType = "relu"
	GELU       NodeType = "gelu"
	Sigmoid    NodeType = "sigmoid"
	Tanh       NodeType = "tanh"
	Softmax    NodeType = "softmax"
	Dropout    NodeType = "dropout"
	BatchNorm  NodeType = "batchnorm"
	LayerNorm  NodeType = "layernorm"
)

var supported = map[NodeType]bool{
	Input: true, Output: true, Linear: true, Conv2D: true, MaxPool2D: true,
	AvgPool2D: true, Flatten: true, Activation: true, ReLU: true, GELU: true,
	Sigmoid: true, Tanh: true, Softmax: true, Dropout: true, BatchNorm: true,
	LayerNorm: true,
}

// Schema is a model graph as sent by clients.
type Schema struct {
	Nodes    []Node         `json:"nodes" yaml:"nodes"`
	Edges    []Edge         `json:"edges" yaml:"edges"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Node is one operation of the graph.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Edge connects the output of Source to the input of Target.
type Edge struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Kind returns the canonical lower-case node type.
func (n Node) Kind() NodeType {
	return NodeType(strings.ToLower(strings.TrimSpace(n.Type)))
}

// Has reports whether the parameter is set.
func (n Node) Has(key string) bool {
	_, ok := n.Params[key]
	return ok
}

// Int returns an integer parameter or def when it is absent.
func (n Node) Int(key string, def int) (int, error) {
	v, ok := n.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, n.paramErr(key, v, "an integer")
		}
		return int(x), nil
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, n.paramErr(key, v, "an integer")
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, n.paramErr(key, v, "an integer")
		}
		return i, nil
	default:
		return 0, n.paramErr(key, v, "an integer")
	}
}

// Float returns a numeric parameter or def when it is absent.
func (n Node) Float(key string, def float64) (float64, error) {
	v, ok := n.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, n.paramErr(key, v, "a number")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, n.paramErr(key, v, "a number")
		}
		return f, nil
	default:
		return 0, n.paramErr(key, v, "a number")
	}
}

// String returns a string parameter or def when it is absent or not a string.
func (n Node) String(key, def string) string {
	if s, ok := n.Params[key].(string); ok {
		return s
	}
	return def
}

func (n Node) paramErr(key string, v any, want string) error {
	return fmt.Errorf("%w: node %q param %q: %v is not %s", ErrInvalid, n.ID, key, v, want)
}

// Decode reads a schema in the given format ("json" or "yaml").
func Decode(r io.Reader, format string) (Schema, error) {
	var s Schema
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.NewDecoder(r).Decode(&s); err != nil {
			return Schema{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalid, err)
		}
	case "json", "":
		if err := json.NewDecoder(r).Decode(&s); err != nil {
			return Schema{}, fmt.Errorf("%w: decode json: %v", ErrInvalid, err)
		}
	default:
		return Schema{}, fmt.Errorf("graph: unknown format %q", format)
	}
	return s, nil
}

// Load reads a schema file, choosing the decoder by extension.
func Load(path string) (Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return Schema{}, fmt.Errorf("graph: %w", err)
	}
	defer f.Close()

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	return Decode(f, format)
}

// OutputNode returns the first node of type output, the one whose params
// carry the loss function name.
func (s Schema) OutputNode() (Node, bool) {
	for _, n := range s.Nodes {
		if n.Kind() == Output {
			return n, true
		}
	}
	return Node{}, false
}

// Validate checks that the graph is a single acyclic chain running from the
// input node to an output node and that every node type is supported.
func (s Schema) Validate() error {
	_, err := s.Chain()
	return err
}

// Chain returns the nodes in execution order, from input to output.
func (s Schema) Chain() ([]Node, error) {
	if len(s.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalid)
	}

	byID := make(map[string]int, len(s.Nodes))
	var inputs, outputs []string
	for i, n := range s.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node %d has no id", ErrInvalid, i)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalid, n.ID)
		}
		if !supported[n.Kind()] {
			return nil, fmt.Errorf("%w: node %q has unsupported type %q", ErrInvalid, n.ID, n.Type)
		}
		byID[n.ID] = i
		switch n.Kind() {
		case Input:
			inputs = append(inputs, n.ID)
		case Output:
			outputs = append(outputs, n.ID)
		}
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one input node, found %d", ErrInvalid, len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no output node", ErrInvalid)
	}

	next := make(map[string]string, len(s.Edges))
	indegree := make(map[string]int, len(s.Nodes))
	for _, e := range s.Edges {
		if _, ok := byID[e.Source]; !ok {
			return nil, fmt.Errorf("%w: edge references unknown source %q", ErrInvalid, e.Source)
		}
		if _, ok := byID[e.Target]; !ok {
			return nil, fmt.Errorf("%w: edge references unknown target %q", ErrInvalid, e.Target)
		}
		if s.Nodes[byID[e.Source]].Kind() == Output {
			return nil, fmt.Errorf("%w: output node %q has an outgoing edge", ErrInvalid, e.Source)
		}
		if s.Nodes[byID[e.Target]].Kind() == Input {
			return nil, fmt.Errorf("%w: input node %q has an incoming edge", ErrInvalid, e.Target)
		}
		if _, branched := next[e.Source]; branched {
			return nil, fmt.Errorf("%w: node %q has more than one outgoing edge", ErrInvalid, e.Source)
		}
		next[e.Source] = e.Target
		indegree[e.Target]++
		if indegree[e.Target] > 1 {
			return nil, fmt.Errorf("%w: node %q has more than one incoming edge", ErrInvalid, e.Target)
		}
	}

	// Kahn's algorithm over a graph of out-degree <= 1
	var order []Node
	queue := make([]string, 0, 1)
	for _, n := range s.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, s.Nodes[byID[id]])
		if to, ok := next[id]; ok {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(order) != len(s.Nodes) {
		return nil, fmt.Errorf("%w: graph contains a cycle", ErrInvalid)
	}

	// A single chain has exactly one source: the input node.
	chain := make([]Node, 0, len(s.Nodes))
	for id, ok := inputs[0], true; ok; id, ok = next[id] {
		chain = append(chain, s.Nodes[byID[id]])
	}
	if len(chain) != len(s.Nodes) {
		return nil, fmt.Errorf("%w: %d node(s) are not connected to the input chain", ErrInvalid, len(s.Nodes)-len(chain))
	}
	if last := chain[len(chain)-1]; last.Kind() != Output {
		return nil, fmt.Errorf("%w: chain ends at %q (%s), not at an output node", ErrInvalid, last.ID, last.Type)
	}
	return chain, nil
}

// Sequential links nodes in the given order, numbering node ids that are
// left empty.
func Sequential(nodes ...Node) Schema {
	s := Schema{Nodes: make([]Node, len(nodes))}
	for i, n := range nodes {
		if n.ID == "" {
			n.ID = fmt.Sprintf("n%d", i)
		}
		s.Nodes[i] = n
		if i > 0 {
			s.Edges = append(s.Edges, Edge{Source: s.Nodes[i-1].ID, Target: n.ID})
		}
	}
	return s
}
