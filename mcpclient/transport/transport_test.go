package transport_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/optimade-agent/mcpclient/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	t.Run("response", func(t *testing.T) {
		msg, ok := transport.ParseMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}`))
		require.True(t, ok)
		require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msg.Type)
		assert.Equal(t, transport.RequestId(7), msg.MessageID())
		assert.JSONEq(t, `{"tools":[]}`, string(msg.JsonRpcResponse.Result))
	})

	t.Run("error", func(t *testing.T) {
		msg, ok := transport.ParseMessage([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32000,"message":"boom"}}`))
		require.True(t, ok)
		require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, msg.Type)
		assert.Equal(t, -32000, msg.JsonRpcError.Error.Code)
		assert.Equal(t, "boom", msg.JsonRpcError.Error.Message)
	})

	t.Run("notification", func(t *testing.T) {
		msg, ok := transport.ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`))
		require.True(t, ok)
		require.Equal(t, transport.BaseMessageTypeJSONRPCNotificationType, msg.Type)
		assert.Equal(t, "notifications/message", msg.JsonRpcNotification.Method)
		assert.Equal(t, transport.RequestId(0), msg.MessageID())
	})

	t.Run("request", func(t *testing.T) {
		msg, ok := transport.ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"sampling/createMessage","params":{}}`))
		require.True(t, ok)
		require.Equal(t, transport.BaseMessageTypeJSONRPCRequestType, msg.Type)
		assert.Equal(t, "sampling/createMessage", msg.JsonRpcRequest.Method)
	})

	t.Run("invalid", func(t *testing.T) {
		_, ok := transport.ParseMessage([]byte(`not json`))
		assert.False(t, ok)

		_, ok = transport.ParseMessage([]byte(`{"jsonrpc":"2.0"}`))
		assert.False(t, ok)
	})
}

func TestMarshalUnionEnvelope(t *testing.T) {
	msg := transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      5,
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"query_optimade"}`),
	})

	body, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"query_optimade"}}`, string(body))
}
