// Package youtubeapi wraps the YouTube Data API for live-chat polling and the
// Google OAuth2 flow used by the dashboard login and the bot account. Tokens
// are persisted via the provided TokenStore interface so they can be refreshed
// and reused by workers.
package youtubeapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// ChatMessage is one live chat message with the author details the bot needs.
type ChatMessage struct {
	ID          string
	AuthorID    string
	DisplayName string
	AvatarURL   string
	IsModerator bool
	IsOwner     bool
	Text        string
	PublishedAt time.Time
}

// ChatPage is one page of live chat messages plus the cursor for the next poll.
type ChatPage struct {
	Messages              []ChatMessage
	NextPageToken         string
	PollingIntervalMillis int64
}

// LiveDetails describes an active broadcast.
type LiveDetails struct {
	VideoID           string
	LiveChatID        string
	Title             string
	ActualStartTime   time.Time
	ConcurrentViewers int64
}

// Client queries public YouTube Data API endpoints with an API key.
type Client struct {
	svc *yt.Service
}

// NewClient builds a Data API client. Extra options (e.g. option.WithEndpoint
// for tests) are appended after the API key.
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// CheckLiveStatus searches for an active live broadcast on the channel.
// Returns the video id and true when a live video is found.
func (c *Client) CheckLiveStatus(ctx context.Context, channelID string) (string, bool, error) {
	if channelID == "" {
		return "", false, fmt.Errorf("channelID empty")
	}
	res, err := c.svc.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return "", false, fmt.Errorf("search live: %w", err)
	}
	if len(res.Items) == 0 || res.Items[0].Id == nil || res.Items[0].Id.VideoId == "" {
		return "", false, nil
	}
	return res.Items[0].Id.VideoId, true, nil
}

// LiveDetails resolves the active live chat id and viewer count for a video.
// Returns nil when the video has no live streaming details (broadcast ended).
func (c *Client) LiveDetails(ctx context.Context, videoID string) (*LiveDetails, error) {
	if videoID == "" {
		return nil, fmt.Errorf("videoID empty")
	}
	res, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(videoID).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("video details: %w", err)
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	v := res.Items[0]
	if v.LiveStreamingDetails == nil {
		return nil, nil
	}
	d := &LiveDetails{
		VideoID:           videoID,
		LiveChatID:        v.LiveStreamingDetails.ActiveLiveChatId,
		ConcurrentViewers: int64(v.LiveStreamingDetails.ConcurrentViewers),
	}
	if v.Snippet != nil {
		d.Title = v.Snippet.Title
	}
	if ts := v.LiveStreamingDetails.ActualStartTime; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			d.ActualStartTime = t
		}
	}
	return d, nil
}

// ListChatMessages fetches one page of live chat messages. pageToken may be
// empty for the first poll; the returned NextPageToken is the cursor for the
// following poll.
func (c *Client) ListChatMessages(ctx context.Context, liveChatID, pageToken string) (*ChatPage, error) {
	if liveChatID == "" {
		return nil, fmt.Errorf("liveChatID empty")
	}
	call := c.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	page := &ChatPage{
		NextPageToken:         res.NextPageToken,
		PollingIntervalMillis: res.PollingIntervalMillis,
		Messages:              make([]ChatMessage, 0, len(res.Items)),
	}
	for _, it := range res.Items {
		if it.Snippet == nil {
			continue
		}
		m := ChatMessage{ID: it.Id}
		if it.Snippet.TextMessageDetails != nil {
			m.Text = it.Snippet.TextMessageDetails.MessageText
		}
		if it.Snippet.DisplayMessage != "" && m.Text == "" {
			m.Text = it.Snippet.DisplayMessage
		}
		if ts := it.Snippet.PublishedAt; ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				m.PublishedAt = t
			}
		}
		if it.AuthorDetails != nil {
			m.AuthorID = it.AuthorDetails.ChannelId
			m.DisplayName = it.AuthorDetails.DisplayName
			m.AvatarURL = it.AuthorDetails.ProfileImageUrl
			m.IsModerator = it.AuthorDetails.IsChatModerator
			m.IsOwner = it.AuthorDetails.IsChatOwner
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}
