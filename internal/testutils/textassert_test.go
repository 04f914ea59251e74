//go:build test

package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// deviceTable is the kind of text the asserter gets in practice: rendered
// CLI output with tabwriter padding.
const deviceTable = `ADDRESS            NAME                  RSSI
AA:BB:CC:DD:EE:FF  Heart Rate Monito...  -60
11:22:33:44:55:66  Thermometer           -72
`

// recordingT captures Errorf calls so failure paths can be observed without
// failing the real test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserterDefaults(t *testing.T) {
	ta := NewTextAsserter(t)

	assert.False(t, ta.options.IgnoreLeadingWhitespace)
	assert.False(t, ta.options.IgnoreTrailingWhitespace)
	assert.False(t, ta.options.IgnoreEmptyLines)
	assert.False(t, ta.options.TrimSpace)
	assert.False(t, ta.options.EnableColors)
}

func TestTextAsserterTableComparison(t *testing.T) {
	t.Run("identical tables match", func(t *testing.T) {
		assert.Empty(t, NewTextAsserter(t).diff(deviceTable, deviceTable))
	})

	t.Run("a changed row yields a unified diff", func(t *testing.T) {
		changed := strings.Replace(deviceTable, "-60", "-61", 1)
		d := NewTextAsserter(t).diff(changed, deviceTable)
		assert.Contains(t, d, "--- expected")
		assert.Contains(t, d, "+++ actual")
		assert.Contains(t, d, "-AA:BB:CC:DD:EE:FF  Heart Rate Monito...  -60")
		assert.Contains(t, d, "+AA:BB:CC:DD:EE:FF  Heart Rate Monito...  -61")
	})
}

func TestTextAsserterWhitespaceOptions(t *testing.T) {
	t.Run("leading whitespace", func(t *testing.T) {
		indented := "  " + strings.ReplaceAll(deviceTable, "\n", "\n  ")
		assert.NotEmpty(t, NewTextAsserter(t).diff(indented, deviceTable))

		ta := NewTextAsserter(t).WithOptions(WithIgnoreLeadingWhitespace(true))
		assert.Empty(t, ta.diff(indented, deviceTable))
	})

	t.Run("trailing whitespace", func(t *testing.T) {
		// Tabwriter pads the last column on some rows.
		padded := strings.Replace(deviceTable, "-60\n", "-60   \n", 1)
		assert.NotEmpty(t, NewTextAsserter(t).diff(padded, deviceTable))

		ta := NewTextAsserter(t).WithOptions(WithIgnoreTrailingWhitespace(true))
		assert.Empty(t, ta.diff(padded, deviceTable))
	})

	t.Run("empty lines", func(t *testing.T) {
		spaced := strings.Replace(deviceTable, "RSSI\n", "RSSI\n\n", 1)
		assert.NotEmpty(t, NewTextAsserter(t).diff(spaced, deviceTable))

		ta := NewTextAsserter(t).WithOptions(WithIgnoreEmptyLines(true))
		assert.Empty(t, ta.diff(spaced, deviceTable))
	})

	t.Run("trim space", func(t *testing.T) {
		wrapped := "\n\n" + deviceTable + "\n"
		assert.NotEmpty(t, NewTextAsserter(t).diff(wrapped, deviceTable))

		ta := NewTextAsserter(t).WithOptions(WithTrimSpace(true))
		assert.Empty(t, ta.diff(wrapped, deviceTable))
	})
}

func TestTextAsserterColorizedDiff(t *testing.T) {
	changed := strings.Replace(deviceTable, "Thermometer", "Glucose Meter", 1)

	t.Run("plain by default", func(t *testing.T) {
		d := NewTextAsserter(t).diff(changed, deviceTable)
		assert.NotContains(t, d, "\x1b[")
	})

	t.Run("ANSI sequences and visible whitespace when enabled", func(t *testing.T) {
		ta := NewTextAsserter(t).WithOptions(WithEnableColors(true))
		d := ta.diff(changed, deviceTable)
		assert.Contains(t, d, "\x1b[")
		assert.Contains(t, d, "·", "padding inside changed lines MUST be made visible")
	})
}

func TestTextAsserterAssertReportsThroughT(t *testing.T) {
	t.Run("mismatch reaches Errorf", func(t *testing.T) {
		rec := &recordingT{}
		changed := strings.Replace(deviceTable, "-72", "-40", 1)
		NewTextAsserterWithInterface(rec).Assert(changed, deviceTable)

		assert.Len(t, rec.failures, 1)
		assert.Contains(t, rec.failures[0], "Text assertion failed")
	})

	t.Run("match stays silent", func(t *testing.T) {
		rec := &recordingT{}
		NewTextAsserterWithInterface(rec).Assert(deviceTable, deviceTable)
		assert.Empty(t, rec.failures)
	})
}
