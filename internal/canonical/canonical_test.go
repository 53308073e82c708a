package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	a := json.RawMessage(`{"b":2,"a":1,"c":{"z":true,"y":false}}`)
	b := json.RawMessage(`{"c":{"y":false,"z":true},"a":1,"b":2}`)

	ca, err := Marshal(a)
	require.NoError(t, err)
	cb, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"a":1,"b":2,"c":{"y":false,"z":true}}`, string(ca))
}

func TestMarshal_PreservesNumberLiterals(t *testing.T) {
	in := json.RawMessage(`{"wei":"1000000000000000","count":1000000000000000001}`)

	out, err := Marshal(in)
	require.NoError(t, err)

	// Large ints must not round-trip through float64.
	assert.Contains(t, string(out), `1000000000000000001`)
}

func TestMarshal_ArraysKeepOrder(t *testing.T) {
	in := json.RawMessage(`{"tools":["send_message","dispatch_job","wait"]}`)

	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"tools":["send_message","dispatch_job","wait"]}`, string(out))
}

func TestHash_KeyOrderIndependent(t *testing.T) {
	type payload struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
	}

	h1, err := Hash(payload{To: "0xabc", Data: "0xdeadbeef", Value: "0"})
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"value":"0","to":"0xabc","data":"0xdeadbeef"}`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHash_DistinctPayloads(t *testing.T) {
	h1, err := Hash(map[string]any{"to": "0xabc"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"to": "0xdef"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestMarshal_NullAndNested(t *testing.T) {
	in := json.RawMessage(`{"outer":{"inner":null,"arr":[{"k":"v"},null]}}`)

	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"arr":[{"k":"v"},null],"inner":null}}`, string(out))
}
