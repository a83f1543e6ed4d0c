package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pathOrder struct {
	ID       string `json:"order_id"`
	Customer *pathCustomer
	Lines    []map[string]any
}

type pathCustomer struct {
	Name string `json:"name"`
}

func TestResolvePath(t *testing.T) {
	root := map[string]any{
		"result": "X",
		"order": pathOrder{
			ID:       "o-1",
			Customer: &pathCustomer{Name: "Ada"},
			Lines:    []map[string]any{{"sku": "A"}, {"sku": "B"}},
		},
		"nested": map[string]any{"count": 3},
	}

	tests := []struct {
		path string
		want any
	}{
		{"result", "X"},
		{"nested.count", 3},
		{"order.order_id", "o-1"},
		{"order.ID", "o-1"},
		{"order.Customer.name", "Ada"},
		{"order.Lines.1.sku", "B"},
		{"order.Lines.7.sku", nil},
		{"missing", nil},
		{"missing.deeper.still", nil},
		{"result.length", nil},
		{"order.Customer.unknown", nil},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolvePath(root, tc.path))
		})
	}
}

func TestResolvePath_NilPointers(t *testing.T) {
	root := map[string]any{"order": pathOrder{}}
	assert.Nil(t, ResolvePath(root, "order.Customer.name"))
	assert.Nil(t, ResolvePath(nil, "anything"))
}

func TestResolveTemplates(t *testing.T) {
	root := map[string]any{
		"user":  map[string]any{"id": 7, "name": "Ada"},
		"items": []any{"a", "b"},
	}

	got, err := ResolveTemplates(map[string]any{
		"user_id":  "{{ user.id }}",
		"greeting": "hello {{user.name}}, you have {{missing}}items",
		"literal":  42,
		"list":     []any{"{{items}}", "plain"},
	}, root)
	require.NoError(t, err)

	m := got.(map[string]any)
	assert.Equal(t, 7, m["user_id"])
	assert.Equal(t, "hello Ada, you have items", m["greeting"])
	assert.Equal(t, 42, m["literal"])
	assert.Equal(t, []any{[]any{"a", "b"}, "plain"}, m["list"])
}

func TestResolveTemplates_Malformed(t *testing.T) {
	for _, in := range []string{"{{ user.id", "user.id }}", "{{}}", "a {{ b {{ c }}"} {
		_, err := ResolveTemplates(in, nil)
		require.Error(t, err, in)
		assert.True(t, IsKind(err, KindValidation), in)
	}
}
