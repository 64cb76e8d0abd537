// Package classifier maps the outcome of a step to a lifecycle signal.
//
// Classification is pure: it reads a session snapshot and a step result and
// looks for marker substrings in the result text. The first matching rule
// wins:
//
//  1. awaiting-input marker: NeedsInput
//  2. error marker: NeedsInput
//  3. budget spent, session finished, or final-answer marker: Completed
//  4. anything else: Working
package classifier

import (
	"strings"

	"github.com/harun/stepflow/pkg/agent"
	"github.com/harun/stepflow/pkg/session"
)

// Markers are the substrings the classifier looks for in step text
type Markers struct {
	AwaitingInput []string `json:"awaiting_input"`
	Error         []string `json:"error"`
	FinalAnswer   []string `json:"final_answer"`
}

// DefaultMarkers returns the markers produced by the built-in tools and the
// engine's error rendering.
func DefaultMarkers() Markers {
	return Markers{
		AwaitingInput: []string{"tool 'ask_human' execute result is"},
		Error:         []string{"Error"},
		FinalAnswer:   []string{"Results:"},
	}
}

// Classifier classifies step results against a fixed set of markers
type Classifier struct {
	markers Markers
}

// New creates a Classifier. Empty marker lists fall back to the defaults.
func New(markers Markers) *Classifier {
	defaults := DefaultMarkers()
	if len(markers.AwaitingInput) == 0 {
		markers.AwaitingInput = defaults.AwaitingInput
	}
	if len(markers.Error) == 0 {
		markers.Error = defaults.Error
	}
	if len(markers.FinalAnswer) == 0 {
		markers.FinalAnswer = defaults.FinalAnswer
	}
	return &Classifier{markers: markers}
}

// Markers returns the markers in use
func (c *Classifier) Markers() Markers {
	return c.markers
}

// Classify returns the signal for a step result given the session view
// taken after the step.
func (c *Classifier) Classify(view session.View, result agent.StepResult) Signal {
	text := result.Text

	switch {
	case containsAny(text, c.markers.AwaitingInput):
		return NeedsInput(text)
	case containsAny(text, c.markers.Error):
		return NeedsInput(text)
	case view.TerminalByCount(), view.State == session.StateFinished, containsAny(text, c.markers.FinalAnswer):
		return Completed(text)
	default:
		return Working(text)
	}
}

var defaultClassifier = New(DefaultMarkers())

// Classify classifies with the default markers
func Classify(view session.View, result agent.StepResult) Signal {
	return defaultClassifier.Classify(view, result)
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}
