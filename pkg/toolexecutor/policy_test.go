package toolexecutor

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestToolPolicy_IsToolAllowed(t *testing.T) {
	tests := []struct {
		name    string
		policy  *ToolPolicy
		tool    string
		allowed bool
	}{
		{"nil policy allows all", nil, "anything", true},
		{"wildcard allow", &ToolPolicy{Allow: []string{"*"}}, "search", true},
		{"deny overrides allow", &ToolPolicy{Allow: []string{"*"}, Deny: []string{"*"}}, "search", false},
		{"specific allow", &ToolPolicy{Allow: []string{"search"}}, "search", true},
		{"not listed", &ToolPolicy{Allow: []string{"search"}}, "terminate", false},
		{"pattern allow", &ToolPolicy{Allow: []string{"web_*"}}, "web_fetch", true},
		{"pattern deny", &ToolPolicy{Allow: []string{"*"}, Deny: []string{"web_*"}}, "web_fetch", false},
		{"empty allow denies", &ToolPolicy{}, "search", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.policy.IsToolAllowed(tt.tool))
		})
	}
}

func TestValidatePolicy(t *testing.T) {
	logger := zerolog.Nop()

	assert.NoError(t, ValidatePolicy(nil, logger))
	assert.NoError(t, ValidatePolicy(&ToolPolicy{Allow: []string{"*"}}, logger))
	assert.Error(t, ValidatePolicy(&ToolPolicy{Allow: []string{"[bad"}}, logger))
}

func TestFilterToolsByPolicy(t *testing.T) {
	tools := []string{"ask_human", "search", "terminate"}

	assert.Equal(t, tools, FilterToolsByPolicy(tools, nil))
	assert.Equal(t, []string{"ask_human", "terminate"},
		FilterToolsByPolicy(tools, &ToolPolicy{Allow: []string{"*"}, Deny: []string{"search"}}))
}
