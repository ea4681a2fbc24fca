package inference

import (
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelGraphField = 7

	graphNodeField = 1

	nodeOpTypeField    = 4
	nodeAttributeField = 5
	nodeDomainField    = 7

	attributeGraphField  = 6
	attributeGraphsField = 11
)

// Operator is an operator type qualified by its domain. The default ONNX
// domain is stored as "".
type Operator struct {
	Domain string
	Type   string
}

func (o Operator) String() string {
	if o.Domain == "" {
		return o.Type
	}
	return o.Domain + "." + o.Type
}

func normalizeDomain(domain string) string {
	if domain == "ai.onnx" {
		return ""
	}
	return domain
}

// ScanOperatorsFile reads a model file and lists the operators its graph uses.
func ScanOperatorsFile(path string) ([]Operator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read model")
	}
	return ScanOperators(data)
}

// ScanOperators walks a serialized ModelProto and returns the distinct
// operators used by the main graph and any subgraphs, sorted.
func ScanOperators(model []byte) ([]Operator, error) {
	seen := make(map[Operator]struct{})
	foundGraph := false

	err := walkFields(model, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != modelGraphField || typ != protowire.BytesType {
			return nil
		}
		foundGraph = true
		return scanGraph(value, seen)
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse model")
	}
	if !foundGraph {
		return nil, errors.New("parse model: no graph found")
	}

	ops := make([]Operator, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Domain != ops[j].Domain {
			return ops[i].Domain < ops[j].Domain
		}
		return ops[i].Type < ops[j].Type
	})
	return ops, nil
}

func scanGraph(graph []byte, seen map[Operator]struct{}) error {
	return walkFields(graph, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != graphNodeField || typ != protowire.BytesType {
			return nil
		}
		return scanNode(value, seen)
	})
}

func scanNode(node []byte, seen map[Operator]struct{}) error {
	var op Operator
	err := walkFields(node, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case nodeOpTypeField:
			op.Type = string(value)
		case nodeDomainField:
			op.Domain = normalizeDomain(string(value))
		case nodeAttributeField:
			return scanAttribute(value, seen)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if op.Type == "" {
		return errors.New("node without op_type")
	}
	seen[op] = struct{}{}
	return nil
}

// Control-flow operators (If, Loop, Scan) carry their bodies as graph attributes.
func scanAttribute(attr []byte, seen map[Operator]struct{}) error {
	return walkFields(attr, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		if num == attributeGraphField || num == attributeGraphsField {
			return scanGraph(value, seen)
		}
		return nil
	})
}

// walkFields calls fn for every top-level field of a message. value is only
// populated for length-delimited fields.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var value []byte
		if typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			value = v
			n = m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]

		if err := fn(num, typ, value); err != nil {
			return err
		}
	}
	return nil
}
