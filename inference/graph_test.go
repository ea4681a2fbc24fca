package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func appendBytesField(b []byte, num protowire.Number, value []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

func appendStringField(b []byte, num protowire.Number, value string) []byte {
	return appendBytesField(b, num, []byte(value))
}

func testNode(opType, domain string, attrs ...[]byte) []byte {
	var node []byte
	node = appendStringField(node, 1, "input")
	node = appendStringField(node, 2, "output")
	node = appendStringField(node, nodeOpTypeField, opType)
	for _, a := range attrs {
		node = appendBytesField(node, nodeAttributeField, a)
	}
	if domain != "" {
		node = appendStringField(node, nodeDomainField, domain)
	}
	return node
}

func testGraph(nodes ...[]byte) []byte {
	var graph []byte
	graph = appendStringField(graph, 2, "ssd")
	for _, n := range nodes {
		graph = appendBytesField(graph, graphNodeField, n)
	}
	return graph
}

func testModel(graph []byte) []byte {
	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, 7)
	model = appendStringField(model, 2, "pytorch")
	model = appendBytesField(model, modelGraphField, graph)
	return model
}

func TestScanOperators(t *testing.T) {
	model := testModel(testGraph(
		testNode("Conv", ""),
		testNode("Relu", "ai.onnx"),
		testNode("Conv", ""),
		testNode("DetectionOutput", "org.openvinotoolkit"),
	))

	ops, err := ScanOperators(model)
	require.NoError(t, err)
	assert.Equal(t, []Operator{
		{Type: "Conv"},
		{Type: "Relu"},
		{Domain: "org.openvinotoolkit", Type: "DetectionOutput"},
	}, ops)
}

func TestScanOperatorsSubgraph(t *testing.T) {
	var attr []byte
	attr = appendStringField(attr, 1, "then_branch")
	attr = appendBytesField(attr, attributeGraphField, testGraph(testNode("Identity", "")))

	ops, err := ScanOperators(testModel(testGraph(testNode("If", "", attr))))
	require.NoError(t, err)
	assert.Equal(t, []Operator{{Type: "Identity"}, {Type: "If"}}, ops)
}

func TestScanOperatorsErrors(t *testing.T) {
	t.Run("no graph", func(t *testing.T) {
		var model []byte
		model = appendStringField(model, 2, "pytorch")
		_, err := ScanOperators(model)
		require.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		model := testModel(testGraph(testNode("Conv", "")))
		_, err := ScanOperators(model[:len(model)-3])
		require.Error(t, err)
	})

	t.Run("node without op type", func(t *testing.T) {
		var node []byte
		node = appendStringField(node, 3, "nameless")
		_, err := ScanOperators(testModel(testGraph(node)))
		require.Error(t, err)
	})
}

func TestScanOperatorsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, testModel(testGraph(testNode("Softmax", ""))), 0o644))

	ops, err := ScanOperatorsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Operator{{Type: "Softmax"}}, ops)

	_, err = ScanOperatorsFile(filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)
}

func TestOperatorString(t *testing.T) {
	assert.Equal(t, "Conv", Operator{Type: "Conv"}.String())
	assert.Equal(t, "com.microsoft.FusedConv", Operator{Domain: "com.microsoft", Type: "FusedConv"}.String())
}
