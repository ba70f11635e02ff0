package palserver

import (
	"context"
	"strconv"
)

// Shutdown schedules a server shutdown after seconds and shows message to
// connected players.
func (c *Client) Shutdown(ctx context.Context, seconds uint32, message string) (string, error) {
	return c.Execute(ctx, "Shutdown "+strconv.FormatUint(uint64(seconds), 10)+" "+message)
}

// DoExit stops the server immediately.
func (c *Client) DoExit(ctx context.Context) (string, error) {
	return c.Execute(ctx, "DoExit")
}

// Broadcast sends message to every connected player.
func (c *Client) Broadcast(ctx context.Context, message string) (string, error) {
	return c.Execute(ctx, "Broadcast "+message)
}

func (c *Client) KickPlayer(ctx context.Context, steamID string) (string, error) {
	return c.Execute(ctx, "KickPlayer "+steamID)
}

func (c *Client) BanPlayer(ctx context.Context, steamID string) (string, error) {
	return c.Execute(ctx, "BanPlayer "+steamID)
}

// ShowPlayers returns the raw player table.
func (c *Client) ShowPlayers(ctx context.Context) (string, error) {
	return c.Execute(ctx, "ShowPlayers")
}

// Players returns the decoded player table.
func (c *Client) Players(ctx context.Context) ([]Player, error) {
	text, err := c.ShowPlayers(ctx)
	if err != nil {
		return nil, err
	}
	return ParsePlayers(text)
}

func (c *Client) Info(ctx context.Context) (string, error) {
	return c.Execute(ctx, "Info")
}

func (c *Client) Save(ctx context.Context) (string, error) {
	return c.Execute(ctx, "Save")
}
