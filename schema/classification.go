package schema

// ClassificationKind names the failure category derived from output text.
type ClassificationKind string

const (
	// ClassNone indicates no error marker was found.
	ClassNone ClassificationKind = ""
	// ClassModule indicates a missing-module error.
	ClassModule ClassificationKind = "module"
	// ClassName indicates an undefined-identifier error.
	ClassName ClassificationKind = "name"
	// ClassGeneric indicates an unspecific traceback or error marker.
	ClassGeneric ClassificationKind = "generic"
	// ClassDisconnected indicates the kernel died under the cell.
	ClassDisconnected ClassificationKind = "disconnected"
)

// Classification is the derived failure category for a settled cell. It
// is computed from rendered output at settlement time, never stored.
type Classification struct {
	Kind       ClassificationKind
	Module     string
	Identifier string
}

// IsError reports whether the classification represents a failure.
func (c Classification) IsError() bool {
	return c.Kind != ClassNone
}

// Hint maps the classification to the guidance shown on the cell.
func (c Classification) Hint(kernelAlive bool) Hint {
	switch c.Kind {
	case ClassModule:
		if kernelAlive {
			return Hint{Kind: HintInstall, Module: c.Module, Message: "Module " + c.Module + " is not installed."}
		}
		return Hint{Kind: HintReconnect, Message: "The kernel is no longer connected."}
	case ClassName:
		return Hint{Kind: HintRunOrder, Message: "Name " + c.Identifier + " is not defined. Run the earlier cells on this page in order."}
	case ClassDisconnected:
		return Hint{Kind: HintReconnect, Message: "The kernel is no longer connected. Stop and run again to reconnect."}
	default:
		return Hint{}
	}
}
