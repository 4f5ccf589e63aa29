package coordinator

import (
	"path"
	"strings"

	"github.com/jrc1883/meshbrain/protocol"
)

// CheckDrift evaluates an agent state against the objective's guardrails.
// A file outside every allowlisted pattern and any use of a restricted
// tool are reported. An empty allowlist allows every file.
func CheckDrift(obj protocol.Objective, state protocol.AgentState) []protocol.Violation {
	var out []protocol.Violation
	if len(obj.FilePatterns) > 0 {
		for _, f := range state.FilesTouched {
			if !matchAny(obj.FilePatterns, f) {
				out = append(out, protocol.Violation{
					Kind:    protocol.ViolationFileOutsideScope,
					Subject: f,
					Detail:  "allowed: " + strings.Join(obj.FilePatterns, ", "),
				})
			}
		}
	}
	if len(obj.RestrictedTools) > 0 {
		seen := make(map[string]bool)
		tools := append([]string(nil), state.ToolsUsed...)
		if state.LastTool != "" {
			tools = append(tools, state.LastTool)
		}
		for _, tool := range tools {
			key := strings.ToLower(tool)
			if seen[key] {
				continue
			}
			seen[key] = true
			for _, r := range obj.RestrictedTools {
				if strings.EqualFold(tool, r) {
					out = append(out, protocol.Violation{Kind: protocol.ViolationRestrictedTool, Subject: tool})
					break
				}
			}
		}
	}
	return out
}

func matchAny(patterns []string, file string) bool {
	for _, p := range patterns {
		if MatchGlob(p, file) {
			return true
		}
	}
	return false
}

// MatchGlob matches a slash-separated path against a pattern in which "**"
// spans any number of path segments and other segments follow path.Match.
// A leading "./" on either side is ignored.
func MatchGlob(pattern, name string) bool {
	pattern = strings.TrimPrefix(path.Clean("/"+pattern), "/")
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], name[0])
		if err != nil || !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}
