package kernel

// ExecutionMode selects between the bounds-checked and unchecked variants of a kernel
type ExecutionMode int32

const (
	ExecutionChecked ExecutionMode = iota
	ExecutionUnchecked
)

func (m ExecutionMode) String() string {
	switch m {
	case ExecutionChecked:
		return "Checked"
	case ExecutionUnchecked:
		return "Unchecked"
	}
	return "Unknown"
}
