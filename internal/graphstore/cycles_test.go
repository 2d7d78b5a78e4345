package graphstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateCycles(t *testing.T) {
	tests := []struct {
		name string
		adj  map[string][]string
		want [][]string
	}{
		{
			name: "acyclic",
			adj:  map[string][]string{"a": {"b"}, "b": {"c"}},
			want: [][]string{},
		},
		{
			name: "triangle",
			adj:  map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}},
			want: [][]string{{"a", "b", "c"}},
		},
		{
			name: "self loop",
			adj:  map[string][]string{"a": {"a", "b"}},
			want: [][]string{{"a"}},
		},
		{
			name: "two cycles sharing a node",
			adj:  map[string][]string{"a": {"b", "c"}, "b": {"a"}, "c": {"a"}},
			want: [][]string{{"a", "b"}, {"a", "c"}},
		},
		{
			name: "rotation starts at smallest vertex",
			adj:  map[string][]string{"z": {"m"}, "m": {"q"}, "q": {"z"}},
			want: [][]string{{"m", "q", "z"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := enumerateCycles(context.Background(), tt.adj, 100, 100)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, report.Cycles)
			assert.False(t, report.Truncated)
		})
	}
}

func TestEnumerateCycles_CycleBound(t *testing.T) {
	// Complete digraph on 5 nodes has far more than 3 elementary cycles.
	adj := make(map[string][]string)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			if i != j {
				from, to := fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", j)
				adj[from] = append(adj[from], to)
			}
		}
	}

	report, err := enumerateCycles(context.Background(), adj, 100, 3)
	require.NoError(t, err)
	assert.Len(t, report.Cycles, 3)
	assert.True(t, report.Truncated)
}

func TestEnumerateCycles_NodeBound(t *testing.T) {
	adj := map[string][]string{"a": {"b"}, "b": {"a"}, "x": {"y"}, "y": {"x"}}

	report, err := enumerateCycles(context.Background(), adj, 2, 100)
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.Equal(t, 4, report.Nodes)
	assert.Equal(t, [][]string{{"a", "b"}}, report.Cycles)
}

func TestEnumerateCycles_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adj := make(map[string][]string)
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			if i != j {
				adj[fmt.Sprintf("n%02d", i)] = append(adj[fmt.Sprintf("n%02d", i)], fmt.Sprintf("n%02d", j))
			}
		}
	}
	_, err := enumerateCycles(ctx, adj, 100, 1_000_000)
	assert.ErrorIs(t, err, context.Canceled)
}
