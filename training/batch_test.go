package training

import (
	"strings"
	"testing"
)

type countedBatch struct{ n int }

func (b countedBatch) BatchSize() int { return b.n }

func TestExtractBatchSize(t *testing.T) {
	tests := []struct {
		name  string
		batch any
		want  int
	}{
		{"sized batch", countedBatch{n: 7}, 7},
		{"slice", []float32{1, 2, 3}, 3},
		{"array", [4]int{}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBatchSize(tt.batch)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestExtractBatchSizeErrors(t *testing.T) {
	if _, err := ExtractBatchSize(struct{}{}); err == nil {
		t.Fatal("expected an error for an opaque batch")
	} else if !strings.Contains(err.Error(), "cannot infer a batch size") {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ExtractBatchSize([]int{}); err == nil {
		t.Fatal("expected an error for an empty slice")
	}
	if _, err := ExtractBatchSize(countedBatch{n: 0}); err == nil {
		t.Fatal("expected an error for a non-positive reported size")
	}
}

func TestWarnHandler(t *testing.T) {
	var got []string
	prev := SetWarnHandler(func(msg string) { got = append(got, msg) })
	defer SetWarnHandler(prev)

	Warnf("lost %d peers", 2)
	if len(got) != 1 || got[0] != "lost 2 peers" {
		t.Fatalf("unexpected warnings: %v", got)
	}
}
