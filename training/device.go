package training

import "fmt"

// AcceleratorKind identifies the compute capability the trainer selected.
type AcceleratorKind int

const (
	AcceleratorCPU AcceleratorKind = iota
	AcceleratorCUDA
	AcceleratorOther
)

func (k AcceleratorKind) String() string {
	switch k {
	case AcceleratorCPU:
		return "cpu"
	case AcceleratorCUDA:
		return "cuda"
	default:
		return "other"
	}
}

// Device is a concrete compute slot: an accelerator kind plus its index.
// The index is meaningful only for accelerators with multiple slots.
type Device struct {
	Kind  AcceleratorKind
	Index int
}

func (d Device) String() string {
	if d.Kind == AcceleratorCUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return d.Kind.String()
}
