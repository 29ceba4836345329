// Package twitch polls the Twitch Helix API for subscribed streamers and
// keeps Discord live notifications in sync with what it sees.
package twitch

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"
	"go.uber.org/zap"
)

// StreamInfo is the monitor's view of a live broadcast.
type StreamInfo struct {
	StreamID     string
	Login        string
	DisplayName  string
	Title        string
	Game         string
	ViewerCount  int
	ThumbnailURL string
	StartedAt    time.Time
}

// Client wraps helix with app-token management. The token is validated
// lazily and re-requested when Twitch stops accepting it.
type Client struct {
	helix *helix.Client
	log   *zap.Logger

	mu    sync.Mutex
	token string
}

func NewClient(clientID, clientSecret string, log *zap.Logger) (*Client, error) {
	h, err := helix.NewClient(&helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("create helix client: %w", err)
	}
	return &Client{helix: h, log: log}, nil
}

func (c *Client) ensureToken() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		valid, _, err := c.helix.ValidateToken(c.token)
		if err == nil && valid {
			return nil
		}
	}
	resp, err := c.helix.RequestAppAccessToken(nil)
	if err != nil {
		return fmt.Errorf("request app token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request app token: status %d: %s", resp.StatusCode, resp.ErrorMessage)
	}
	c.token = resp.Data.AccessToken
	c.helix.SetAppAccessToken(c.token)
	c.log.Debug("twitch app token refreshed")
	return nil
}

// FetchStream returns the live broadcast for login, or nil when the channel
// is offline.
func (c *Client) FetchStream(login string) (*StreamInfo, error) {
	if err := c.ensureToken(); err != nil {
		return nil, err
	}
	resp, err := c.helix.GetStreams(&helix.StreamsParams{
		UserLogins: []string{login},
	})
	if err != nil {
		return nil, fmt.Errorf("get streams: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get streams: status %d: %s", resp.StatusCode, resp.ErrorMessage)
	}
	if len(resp.Data.Streams) == 0 {
		return nil, nil
	}
	stream := resp.Data.Streams[0]
	return &StreamInfo{
		StreamID:     stream.ID,
		Login:        stream.UserLogin,
		DisplayName:  stream.UserName,
		Title:        stream.Title,
		Game:         stream.GameName,
		ViewerCount:  stream.ViewerCount,
		ThumbnailURL: thumbnailAt(stream.ThumbnailURL, 1280, 720),
		StartedAt:    stream.StartedAt,
	}, nil
}

// UserExists checks that a login names a real Twitch account, used to
// validate subscriptions before they are stored.
func (c *Client) UserExists(login string) (bool, error) {
	if err := c.ensureToken(); err != nil {
		return false, err
	}
	resp, err := c.helix.GetUsers(&helix.UsersParams{
		Logins: []string{login},
	})
	if err != nil {
		return false, fmt.Errorf("get users: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("get users: status %d: %s", resp.StatusCode, resp.ErrorMessage)
	}
	return len(resp.Data.Users) > 0, nil
}

// thumbnailAt fills helix's templated thumbnail dimensions.
func thumbnailAt(url string, width, height int) string {
	url = strings.ReplaceAll(url, "{width}", fmt.Sprintf("%d", width))
	return strings.ReplaceAll(url, "{height}", fmt.Sprintf("%d", height))
}
