package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecipientJSONRoundTripsAsHex(t *testing.T) {
	var r Recipient
	r[0] = 0xde
	r[31] = 0xef

	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.Equal(t, `"de000000000000000000000000000000000000000000000000000000000000ef"`, string(data))

	var decoded Recipient
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, r, decoded)
}

func TestParseRecipientRejectsWrongLength(t *testing.T) {
	_, err := ParseRecipient("abcd")
	require.Error(t, err)
}

func TestParseRecipientRejectsInvalidHex(t *testing.T) {
	_, err := ParseRecipient("zz")
	require.Error(t, err)
}

func TestWorkerIsBusyRequiresBothStateAndTask(t *testing.T) {
	w := &Worker{State: WorkerBusy, CurrentTaskID: "t1"}
	require.True(t, w.IsBusy())

	w.CurrentTaskID = ""
	require.False(t, w.IsBusy())

	w.CurrentTaskID = "t1"
	w.State = WorkerConnected
	require.False(t, w.IsBusy())
}
