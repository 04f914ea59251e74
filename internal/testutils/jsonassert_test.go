//go:build test

package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Frame-shaped fixtures: the asserter's consumers compare gateway frames,
// so the self-tests drive it with the same shapes.
const (
	foundFrame = `{
		"op": "deviceFound", "thread_id": 1, "request_id": 4,
		"device": {
			"id": "AA:BB:CC:DD:EE:FF", "name": "Heart Rate Monitor",
			"type": "unknown", "paired": false, "rssi": -60,
			"uuids": ["0000180d-0000-1000-8000-00805f9b34fb"]
		}
	}`

	valueFrame = `{"op": "value", "thread_id": 1, "request_id": 7, "value": "AQ=="}`
)

func TestJSONAsserterDefaults(t *testing.T) {
	ja := NewJSONAsserter(t)

	assert.True(t, ja.options.IgnoreExtraKeys)
	assert.True(t, ja.options.NilToEmptyArray)
	assert.True(t, ja.options.AllowPresencePlaceholder)
	assert.False(t, ja.options.CompareOnlyExpectedKeys)
	assert.False(t, ja.options.IgnoreArrayOrder)
	assert.Empty(t, ja.options.IgnoredFields)
}

func TestJSONAsserterFrameComparison(t *testing.T) {
	t.Run("identical frames match", func(t *testing.T) {
		assert.Empty(t, NewJSONAsserter(t).diff(foundFrame, foundFrame))
	})

	t.Run("payload mismatch is reported", func(t *testing.T) {
		other := `{"op": "value", "thread_id": 1, "request_id": 7, "value": "Fkg="}`
		assert.NotEmpty(t, NewJSONAsserter(t).diff(other, valueFrame))
	})

	t.Run("extra keys in the actual frame are ignored by default", func(t *testing.T) {
		expected := `{"op": "value", "thread_id": 1, "request_id": 7}`
		assert.Empty(t, NewJSONAsserter(t).diff(valueFrame, expected))
	})

	t.Run("extra keys are reported when the option is off", func(t *testing.T) {
		expected := `{"op": "value", "thread_id": 1, "request_id": 7}`
		ja := NewJSONAsserter(t).WithOptions(WithIgnoreExtraKeys(false))
		assert.NotEmpty(t, ja.diff(valueFrame, expected))
	})
}

func TestJSONAsserterPresencePlaceholder(t *testing.T) {
	expected := `{"op": "value", "thread_id": 1, "request_id": 7, "value": "<<PRESENCE>>"}`

	t.Run("placeholder accepts any present value", func(t *testing.T) {
		assert.Empty(t, NewJSONAsserter(t).diff(valueFrame, expected))
	})

	t.Run("placeholder is literal when disabled", func(t *testing.T) {
		ja := NewJSONAsserter(t).WithOptions(WithAllowPresencePlaceholder(false))
		assert.NotEmpty(t, ja.diff(valueFrame, expected))
	})
}

func TestJSONAsserterNilToEmptyArray(t *testing.T) {
	// A device with no advertised services marshals uuids as null on some
	// paths and as [] on others; by default the two compare equal.
	nullUUIDs := `{"id": "AA:BB:CC:DD:EE:FF", "uuids": null}`
	emptyUUIDs := `{"id": "AA:BB:CC:DD:EE:FF", "uuids": []}`

	t.Run("null equals empty array by default", func(t *testing.T) {
		assert.Empty(t, NewJSONAsserter(t).diff(nullUUIDs, emptyUUIDs))
	})

	t.Run("null stays distinct when disabled", func(t *testing.T) {
		ja := NewJSONAsserter(t).WithOptions(WithNilToEmptyArray(false))
		assert.NotEmpty(t, ja.diff(nullUUIDs, emptyUUIDs))
	})
}

func TestJSONAsserterCompareOnlyExpectedKeys(t *testing.T) {
	ja := NewJSONAsserter(t).WithOptions(WithCompareOnlyExpectedKeys(true))

	t.Run("nested frame checked by the named keys only", func(t *testing.T) {
		expected := `{"op": "deviceFound", "device": {"id": "AA:BB:CC:DD:EE:FF"}}`
		assert.Empty(t, ja.diff(foundFrame, expected))
	})

	t.Run("a named key still has to match", func(t *testing.T) {
		expected := `{"op": "deviceFound", "device": {"id": "11:22:33:44:55:66"}}`
		assert.NotEmpty(t, ja.diff(foundFrame, expected))
	})
}

func TestJSONAsserterIgnoredFields(t *testing.T) {
	ja := func(t *testing.T) *JSONAsserter {
		return NewJSONAsserter(t).WithOptions(WithIgnoredFields("rssi"))
	}

	t.Run("volatile nested fields are skipped", func(t *testing.T) {
		weaker := `{
			"op": "deviceFound", "thread_id": 1, "request_id": 4,
			"device": {
				"id": "AA:BB:CC:DD:EE:FF", "name": "Heart Rate Monitor",
				"type": "unknown", "paired": false, "rssi": -87,
				"uuids": ["0000180d-0000-1000-8000-00805f9b34fb"]
			}
		}`
		assert.Empty(t, ja(t).diff(weaker, foundFrame))
	})

	t.Run("other fields still compare", func(t *testing.T) {
		renamed := `{
			"op": "deviceFound", "thread_id": 1, "request_id": 4,
			"device": {
				"id": "AA:BB:CC:DD:EE:FF", "name": "Thermometer",
				"type": "unknown", "paired": false, "rssi": -60,
				"uuids": ["0000180d-0000-1000-8000-00805f9b34fb"]
			}
		}`
		assert.NotEmpty(t, ja(t).diff(renamed, foundFrame))
	})

	t.Run("ignored fields apply inside arrays of objects", func(t *testing.T) {
		actual := `{"devices": [{"id": "a", "rssi": -40}, {"id": "b", "rssi": -90}]}`
		expected := `{"devices": [{"id": "a", "rssi": -41}, {"id": "b", "rssi": -91}]}`
		assert.Empty(t, ja(t).diff(actual, expected))
	})
}

func TestJSONAsserterIgnoreArrayOrder(t *testing.T) {
	shuffled := `{"uuids": ["0000180f-0000-1000-8000-00805f9b34fb", "0000180d-0000-1000-8000-00805f9b34fb"]}`
	sorted := `{"uuids": ["0000180d-0000-1000-8000-00805f9b34fb", "0000180f-0000-1000-8000-00805f9b34fb"]}`

	t.Run("order matters by default", func(t *testing.T) {
		assert.NotEmpty(t, NewJSONAsserter(t).diff(shuffled, sorted))
	})

	t.Run("order is normalized when enabled", func(t *testing.T) {
		ja := NewJSONAsserter(t).WithOptions(WithIgnoreArrayOrder(true))
		assert.Empty(t, ja.diff(shuffled, sorted))
	})

	t.Run("different elements still differ", func(t *testing.T) {
		ja := NewJSONAsserter(t).WithOptions(WithIgnoreArrayOrder(true))
		other := `{"uuids": ["00001809-0000-1000-8000-00805f9b34fb", "0000180f-0000-1000-8000-00805f9b34fb"]}`
		assert.NotEmpty(t, ja.diff(other, sorted))
	})
}

func TestJSONAsserterInvalidInput(t *testing.T) {
	t.Run("undecodable actual", func(t *testing.T) {
		d := NewJSONAsserter(t).diff(`{not json`, valueFrame)
		assert.Contains(t, d, "invalid actual JSON")
	})

	t.Run("undecodable expected", func(t *testing.T) {
		d := NewJSONAsserter(t).diff(valueFrame, `{not json`)
		assert.Contains(t, d, "invalid expected JSON")
	})
}

func TestMustJSON(t *testing.T) {
	type payload struct {
		Op       string `json:"op"`
		ThreadID int    `json:"thread_id"`
	}
	require.JSONEq(t, `{"op":"ack","thread_id":3}`, MustJSON(payload{Op: "ack", ThreadID: 3}))

	assert.Panics(t, func() { MustJSON(make(chan int)) }, "unmarshalable values MUST panic, not silently degrade")
}
