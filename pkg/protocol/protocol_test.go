package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCarriesTypeAndCamelCaseFacility(t *testing.T) {
	data, err := Encode(Auth{Token: "tok", FacilityID: "fac-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"AUTH","token":"tok","facilityId":"fac-1"}`, string(data))

	data, err = Encode(Ping{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PING"}`, string(data))
}

func TestDecodeConcreteTypes(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"PROXY_REQUEST","id":"c1","method":"GET","path":"/internal/time","query":{"a":"b"}}`))
	require.NoError(t, err)
	req, ok := msg.(ProxyRequest)
	require.True(t, ok)
	assert.Equal(t, "c1", req.ID)
	assert.Equal(t, map[string]string{"a": "b"}, req.Query)

	msg, err = Decode([]byte(`{"type":"COMMAND_ACK","id":"cmd","ok":false,"error":"bad signature"}`))
	require.NoError(t, err)
	assert.Equal(t, CommandAck{ID: "cmd", OK: false, Error: "bad signature"}, msg)

	msg, err = Decode([]byte(`{"type":"PONG"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePong, msg.Type())
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: `nope`, want: ErrMalformed},
		{name: "missing type", raw: `{"id":"x"}`, want: ErrMalformed},
		{name: "unknown type", raw: `{"type":"REBOOT"}`, want: ErrUnknownType},
		{name: "proxy request without path", raw: `{"type":"PROXY_REQUEST","id":"1","method":"GET"}`, want: ErrMalformed},
		{name: "ack without id", raw: `{"type":"COMMAND_ACK","ok":true}`, want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestCommandPayloadIsPreservedVerbatim(t *testing.T) {
	payload := json.RawMessage(`{"cmd_type":"DENYLIST_ADD","entries":[{"sub":"u1","exp":10}]}`)
	data, err := Encode(Command{ID: "c", Payload: payload, Signature: "sig"})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	cmd := msg.(Command)
	assert.Equal(t, string(payload), string(cmd.Payload))
}

func TestCmdTypeValid(t *testing.T) {
	for _, c := range CmdTypes {
		assert.True(t, c.Valid())
	}
	assert.False(t, CmdType("REBOOT").Valid())
}
