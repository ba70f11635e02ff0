package palserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlayers(t *testing.T) {
	text := "name,playeruid,steamid\nAlice,1234567890,76561198000000001\nBob Smith,42,76561198000000002\n"

	players, err := ParsePlayers(text)
	require.NoError(t, err)
	assert.Equal(t, []Player{
		{Name: "Alice", PlayerUID: "1234567890", SteamID: "76561198000000001"},
		{Name: "Bob Smith", PlayerUID: "42", SteamID: "76561198000000002"},
	}, players)
}

func TestParsePlayersWithoutHeader(t *testing.T) {
	players, err := ParsePlayers("Alice,1,2\r\n")
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "2", players[0].SteamID)
}

func TestParsePlayersEmpty(t *testing.T) {
	players, err := ParsePlayers("name,playeruid,steamid\n")
	require.NoError(t, err)
	assert.Empty(t, players)
	assert.NotNil(t, players)
}

func TestParsePlayersMalformed(t *testing.T) {
	_, err := ParsePlayers("Alice,1\n")
	require.Error(t, err)
}

func TestCommandFormats(t *testing.T) {
	exec := &fakeExecutor{}
	client := Start(exec, quietOptions())
	defer client.Close()

	ctx := context.Background()
	calls := []struct {
		run  func() (string, error)
		want string
	}{
		{func() (string, error) { return client.Shutdown(ctx, 30, "Server_restarting") }, "Shutdown 30 Server_restarting"},
		{func() (string, error) { return client.DoExit(ctx) }, "DoExit"},
		{func() (string, error) { return client.Broadcast(ctx, "hello") }, "Broadcast hello"},
		{func() (string, error) { return client.KickPlayer(ctx, "steam_7656") }, "KickPlayer steam_7656"},
		{func() (string, error) { return client.BanPlayer(ctx, "steam_7656") }, "BanPlayer steam_7656"},
		{func() (string, error) { return client.ShowPlayers(ctx) }, "ShowPlayers"},
		{func() (string, error) { return client.Info(ctx) }, "Info"},
		{func() (string, error) { return client.Save(ctx) }, "Save"},
	}

	for _, c := range calls {
		resp, err := c.run()
		require.NoError(t, err)
		assert.Equal(t, "reply to "+c.want, resp)
	}
}
