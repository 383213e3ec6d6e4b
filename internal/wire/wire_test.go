package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActionValidate(t *testing.T) {
	require.ErrorIs(t, (&Action{ID: "a"}).Validate(), ErrNoVariant)
	require.NoError(t, (&Action{ID: "a", Ping: &Ping{Data: "ping"}}).Validate())
	require.ErrorIs(t, (&Action{ID: "a", Ping: &Ping{}, Purge: &Purge{}}).Validate(), ErrNoVariant)
}

func TestResValidate(t *testing.T) {
	require.ErrorIs(t, (&Res{ActionID: "a"}).Validate(), ErrNoVariant)
	require.NoError(t, (&Res{ActionID: "a", Purged: &Purged{}}).Validate())
	require.ErrorIs(t, (&Res{ActionID: "a", Purged: &Purged{}, Pong: &Pong{}}).Validate(), ErrNoVariant)
}

func TestActionEncodesSingleVariant(t *testing.T) {
	data, err := json.Marshal(&Action{ID: "a1", Shell: &Shell{Cmd: "uname", Args: []string{"-a"}}})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "shell")
	require.NotContains(t, raw, "ping")
	require.NotContains(t, raw, "purge")

	var decoded Action
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Validate())
	require.Equal(t, "uname", decoded.Shell.Cmd)
}
