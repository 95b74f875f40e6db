package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfpack-game/wolfpack/internal/engine"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Inbound
	}{
		{
			name: "round start",
			in:   `{"type":"round_start","round_number":2,"wolf_id":"bob","question":"Q","time_left":90}`,
			want: RoundStart{Round: 2, WolfID: "bob", Question: "Q", TimeLeft: 90},
		},
		{
			name: "legacy round start",
			in:   `{"type":"round_start_message","round_number":1,"wolf_id":"alice","question":"Q"}`,
			want: RoundStart{Round: 1, WolfID: "alice", Question: "Q"},
		},
		{
			name: "pack ranker selected",
			in:   `{"type":"pack_ranker_selected","pack_ranker_id":"carol"}`,
			want: WolfOrder{PackRankerID: "carol"},
		},
		{
			name: "player list",
			in:   `{"type":"player_list_update","players":[{"username":"alice","score":3}]}`,
			want: PlayerList{Players: []engine.Player{{Username: "alice", Score: 3}}},
		},
		{
			name: "pong",
			in:   `{"type":"pong"}`,
			want: Pong{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformed), err)

	_, err = Decode([]byte(`{"type":"wolf_timer","time_left":"soon"}`))
	assert.True(t, errors.Is(err, ErrMalformed), err)

	_, err = Decode([]byte(`{"type":"dance"}`))
	assert.True(t, errors.Is(err, ErrUnknownType), err)
}

func TestWolfOrder_Ranker(t *testing.T) {
	assert.Equal(t, "bob", WolfOrder{Submitter: "bob", PackRankerID: "carol"}.Ranker())
	assert.Equal(t, "carol", WolfOrder{PackRankerID: "carol"}.Ranker())
}

func TestOutbound_OmitsUnusedFields(t *testing.T) {
	b, err := json.Marshal(Ping())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(b))

	b, err = json.Marshal(ChangeStatus(engine.PhaseWaiting, 2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"change_status","status":"waiting","round_number":2}`, string(b))
}
