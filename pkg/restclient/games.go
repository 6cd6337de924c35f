package restclient

import (
	"context"
	"net/http"

	"github.com/caffeinetv/libcaffeine-go/internal/stage"
)

// GetSupportedGames calls GET /v1/games (§6) without credentials. Each call
// issues a fresh request; the result is not cached.
func (c *Client) GetSupportedGames(ctx context.Context) ([]stage.GameInfo, error) {
	url := c.endpoints.API + "/v1/games"
	var wire []gameInfoWire
	if err := c.doUnauthenticatedJSON(ctx, http.MethodGet, url, nil, &wire); err != nil {
		return nil, err
	}

	games := make([]stage.GameInfo, 0, len(wire))
	for _, g := range wire {
		games = append(games, stage.GameInfo{ID: g.ID, Name: g.Name, ProcessNames: g.ProcessNames})
	}
	return games, nil
}
