package agent

import (
	_ "embed"
)

// Logical names of the agent roles this pipeline configures by default.
const (
	LogicalCopywriter = "copywriter"
	LogicalImage      = "image"
)

//go:embed instructions/copywriter.md
var copywriterInstructions string

//go:embed instructions/image.md
var imageInstructions string

// DefaultInstructions returns the packaged canonical instructions and tool
// set for the given logical name. It is the default Defaults implementation
// used by the Resolver to seed registry entries on first resolution.
func DefaultInstructions(logicalName string) (string, []string, bool) {
	switch logicalName {
	case LogicalCopywriter:
		return copywriterInstructions, []string{ToolGetBrand, ToolGetPostPlan}, true
	case LogicalImage:
		return imageInstructions, []string{ToolGetBrand, ToolGetPostPlan}, true
	}
	return "", nil, false
}
