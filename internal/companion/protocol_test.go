package companion

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeResponseDecoding(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"seq":7,"result":{"time":42}}`), &env))

	assert.True(t, env.IsResponse())
	assert.Equal(t, uint64(7), env.Seq)
	assert.JSONEq(t, `{"time":42}`, string(env.Result))
	assert.Nil(t, env.Error)
}

func TestEnvelopeErrorDecoding(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"seq":3,"error":{"code":"banned","message":"nope"}}`), &env))

	assert.True(t, env.IsResponse())
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Error(), "banned")
}

func TestEnvelopeBroadcastDecoding(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"broadcast":"entityChanged","data":{"entityId":"5821","value":true}}`), &env))

	assert.False(t, env.IsResponse())
	assert.Equal(t, BroadcastEntityChanged, env.Broadcast)

	var p entityPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "5821", p.EntityID)
	assert.Equal(t, true, p.Value)
}

func TestBroadcastValueStaysRawScalar(t *testing.T) {
	// Non-boolean scalars pass through untyped; truthiness is applied by
	// the rule engine, not the protocol layer.
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"broadcast":"entityChanged","data":{"entityId":"9","value":17.5}}`), &env))

	var p entityPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, 17.5, p.Value)
}

func TestRequestMarshalling(t *testing.T) {
	params, err := json.Marshal(entityInfoParams{EntityID: "5821"})
	require.NoError(t, err)
	data, err := json.Marshal(&Request{Seq: 1, Method: MethodEntityInfo, Params: params})
	require.NoError(t, err)

	assert.JSONEq(t, `{"seq":1,"method":"getEntityInfo","params":{"entityId":"5821"}}`, string(data))
}
