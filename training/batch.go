package training

import (
	"fmt"
	"reflect"
)

// SizedBatch is implemented by batches that know their own size.
type SizedBatch interface {
	BatchSize() int
}

// ExtractBatchSize infers the per-process batch size from a batch of data.
// It understands SizedBatch and any slice or array type; everything else is
// an error, in which case the caller must be told the batch size explicitly.
func ExtractBatchSize(batch any) (int, error) {
	if b, ok := batch.(SizedBatch); ok {
		n := b.BatchSize()
		if n <= 0 {
			return 0, fmt.Errorf("batch reported a non-positive size %d", n)
		}
		return n, nil
	}
	v := reflect.ValueOf(batch)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return 0, fmt.Errorf("cannot infer a batch size from an empty %s", v.Kind())
		}
		return v.Len(), nil
	default:
		return 0, fmt.Errorf("cannot infer a batch size from %T", batch)
	}
}
