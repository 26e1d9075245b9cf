package link

import (
	"fmt"
	"strings"
)

// Label is a drive decision. The numeric values are the class indices the
// motion controller firmware expects.
type Label uint8

const (
	Forward Label = iota
	Left
	Right
	Backward
)

// Labels lists every drive decision in class-index order.
var Labels = []Label{Forward, Left, Right, Backward}

var labelNames = [...]string{"forward", "left", "right", "backward"}

func (l Label) String() string {
	if int(l) < len(labelNames) {
		return labelNames[l]
	}
	return fmt.Sprintf("label(%d)", uint8(l))
}

// Valid reports whether l is one of the four drive decisions.
func (l Label) Valid() bool { return int(l) < len(labelNames) }

// ParseLabel maps a class name back to its Label.
func ParseLabel(name string) (Label, error) {
	for i, n := range labelNames {
		if strings.EqualFold(n, name) {
			return Label(i), nil
		}
	}
	return 0, fmt.Errorf("unknown drive label %q", name)
}

// EncodeDrive renders a drive decision as the outbound `c%02X\n` command.
func EncodeDrive(l Label) string {
	return fmt.Sprintf("c%02X\n", uint8(l))
}
