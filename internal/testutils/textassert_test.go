package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter_Normalization(t *testing.T) {
	tests := []struct {
		name      string
		actual    string
		expected  string
		opts      []TextOption
		wantMatch bool
	}{
		{name: "identical", actual: "a\nb", expected: "a\nb", wantMatch: true},
		{name: "trailing whitespace", actual: "a  \nb\t", expected: "a\nb", wantMatch: true},
		{name: "surrounding space trimmed", actual: "\n\na\n", expected: "a", wantMatch: true},
		{name: "empty lines kept by default", actual: "a\n\nb", expected: "a\nb"},
		{name: "empty lines ignored", actual: "a\n\nb", expected: "a\nb", opts: []TextOption{WithIgnoreEmptyLines(true)}, wantMatch: true},
		{name: "strict trailing whitespace", actual: "a ", expected: "a", opts: []TextOption{WithTrimSpace(false), WithIgnoreTrailingWhitespace(false)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewTextAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.wantMatch {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestTextAsserter_DiffOutput(t *testing.T) {
	diff := NewTextAsserter(t).Diff("Dives: 3", "Dives: 2")
	assert.Contains(t, diff, "-Dives: 2")
	assert.Contains(t, diff, "+Dives: 3")

	colored := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("Dives: 3", "Dives: 2")
	assert.Contains(t, colored, "\x1b[")

	rec := &recordingT{}
	NewTextAsserter(rec).Assert("x", "y")
	assert.Len(t, rec.failures, 1)
}
