package toolexecutor

import (
	"path"

	"github.com/rs/zerolog"
)

// ToolPolicy defines which tools may be advertised and executed.
// Entries are exact names or path.Match patterns such as "*" or "web_*".
type ToolPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"` // overrides allow
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if matchTool(denied, toolName) {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if matchTool(allowed, toolName) {
			return true
		}
	}

	return false
}

func matchTool(pattern, toolName string) bool {
	if pattern == toolName || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, toolName)
	return err == nil && ok
}

// ValidatePolicy reports malformed patterns and logs suspicious combinations
func ValidatePolicy(policy *ToolPolicy, logger zerolog.Logger) error {
	if policy == nil {
		return nil
	}

	for _, list := range [][]string{policy.Allow, policy.Deny} {
		for _, pattern := range list {
			if _, err := path.Match(pattern, ""); err != nil {
				return err
			}
		}
	}

	if len(policy.Allow) == 0 {
		logger.Warn().Msg("Policy has empty allow list - all tools will be denied by default")
	}
	for _, denied := range policy.Deny {
		if denied == "*" {
			logger.Warn().Msg("Policy denies every tool")
			break
		}
	}

	return nil
}

// FilterToolsByPolicy filters a list of tools based on a policy
func FilterToolsByPolicy(tools []string, policy *ToolPolicy) []string {
	if policy == nil {
		return tools
	}

	filtered := []string{}
	for _, tool := range tools {
		if policy.IsToolAllowed(tool) {
			filtered = append(filtered, tool)
		}
	}

	return filtered
}
