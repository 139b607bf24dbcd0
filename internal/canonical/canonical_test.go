package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSortsObjectKeys(t *testing.T) {
	out, err := Encode(map[string]any{
		"zeta":  1,
		"alpha": 2,
		"mid":   3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(out))
}

func TestEncodeDeterministicAcrossInsertionOrder(t *testing.T) {
	// Build the same structure from two different insertion orders and via
	// different Go types; the bytes must be identical.
	a := map[string]any{
		"licenseKey": "KM-AAAA-BBBB-CCCC-DDDD",
		"tier":       "PAID",
		"isFounder":  true,
		"emailHash":  "abc123",
		"issued":     "2026-01-02T03:04:05Z",
	}
	b := map[string]any{
		"issued":     "2026-01-02T03:04:05Z",
		"emailHash":  "abc123",
		"isFounder":  true,
		"tier":       "PAID",
		"licenseKey": "KM-AAAA-BBBB-CCCC-DDDD",
	}

	ba, err := Encode(a)
	require.NoError(t, err)
	bb, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, ba, bb)

	type payload struct {
		LicenseKey string `json:"licenseKey"`
		Tier       string `json:"tier"`
		IsFounder  bool   `json:"isFounder"`
		EmailHash  string `json:"emailHash"`
		Issued     string `json:"issued"`
	}
	bc, err := Encode(payload{
		LicenseKey: "KM-AAAA-BBBB-CCCC-DDDD",
		Tier:       "PAID",
		IsFounder:  true,
		EmailHash:  "abc123",
		Issued:     "2026-01-02T03:04:05Z",
	})
	require.NoError(t, err)
	assert.Equal(t, ba, bc)
}

func TestEncodeNestedStructures(t *testing.T) {
	out, err := Encode(map[string]any{
		"b": map[string]any{"y": 2, "x": 1},
		"a": []any{map[string]any{"k2": "v", "k1": "u"}, 3, nil, true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"k1":"u","k2":"v"},3,null,true],"b":{"x":1,"y":2}}`, string(out))
}

func TestEncodeArrayOrderPreserved(t *testing.T) {
	out, err := Encode([]any{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["c","a","b"]`, string(out))
}

func TestEncodePreservesNumbers(t *testing.T) {
	// Large integers must not be reformatted through float64.
	out, err := Encode(json.RawMessage(`{"big":9007199254740993,"small":0.1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993,"small":0.1}`, string(out))
}

func TestEncodeRejectsCycles(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n

	_, err := Encode(n)
	require.ErrorIs(t, err, ErrCircularReference)

	m := map[string]any{}
	m["self"] = m
	_, err = Encode(m)
	require.ErrorIs(t, err, ErrCircularReference)
}

func TestEncodeEscapesStrings(t *testing.T) {
	out, err := Encode(map[string]any{"s": "line\nbreak \"quoted\""})
	require.NoError(t, err)
	// Round-trips back to the same string.
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "line\nbreak \"quoted\"", decoded["s"])
}
