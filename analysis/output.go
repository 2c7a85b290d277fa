package analysis

import (
	"regexp"
	"strings"
)

// ansiPattern matches CSI sequences (colors, cursor and erase codes), OSC
// sequences ended by BEL or ST, and SGR codes whose escape byte was lost on
// the way.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\[\d+(?:;\d+)*m`)

var availableToolsPattern = regexp.MustCompile(`Available tools: (.+)`)

// StripANSI removes color escape codes from analyzer output.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// ParseAvailableTools extracts the tool list from the analyzer's --help text.
func ParseAvailableTools(help string) ([]string, bool) {
	match := availableToolsPattern.FindStringSubmatch(StripANSI(help))
	if match == nil {
		return nil, false
	}

	var tools []string
	for _, tool := range strings.Split(match[1], ",") {
		if tool = strings.TrimSpace(tool); tool != "" {
			tools = append(tools, tool)
		}
	}
	return tools, len(tools) > 0
}
