package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

// MockYouTubeServer creates a test server that mocks YouTube Data API responses
type MockYouTubeServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockYouTubeServer creates a new mock YouTube API server
func NewMockYouTubeServer(t *testing.T) *MockYouTubeServer {
	t.Helper()
	m := &MockYouTubeServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockSearchResponse adds a handler for the search.list endpoint. Pass an
// empty videoID to simulate a channel that is not live.
func (m *MockYouTubeServer) MockSearchResponse(videoID string) {
	m.Handlers["/youtube/v3/search"] = func(w http.ResponseWriter, r *http.Request) {
		items := []map[string]interface{}{}
		if videoID != "" {
			items = append(items, map[string]interface{}{
				"id": map[string]string{"kind": "youtube#video", "videoId": videoID},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": items}) //nolint:errcheck // test mock response
	}
}

// MockVideoDetailsResponse adds a handler for the videos.list endpoint.
func (m *MockYouTubeServer) MockVideoDetailsResponse(videoID, liveChatID, startTime string, viewers uint64) {
	m.Handlers["/youtube/v3/videos"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"items": []map[string]interface{}{
				{
					"id":      videoID,
					"snippet": map[string]string{"title": "Test Stream"},
					"liveStreamingDetails": map[string]interface{}{
						"activeLiveChatId": liveChatID,
						"actualStartTime":  startTime,
						// wire format carries the count as a decimal string
						"concurrentViewers": strconv.FormatUint(viewers, 10),
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockChatMessagesResponse adds a handler for the liveChat/messages endpoint.
func (m *MockYouTubeServer) MockChatMessagesResponse(messages []map[string]interface{}, nextPageToken string) {
	m.Handlers["/youtube/v3/liveChat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"items":                 messages,
			"nextPageToken":         nextPageToken,
			"pollingIntervalMillis": 2000,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// ChatItem builds one liveChatMessages.list item in the wire shape.
func ChatItem(id, authorID, displayName, text string, isMod bool) map[string]interface{} {
	return map[string]interface{}{
		"id": id,
		"snippet": map[string]interface{}{
			"type":               "textMessageEvent",
			"publishedAt":        "2025-01-01T12:00:00Z",
			"displayMessage":     text,
			"textMessageDetails": map[string]string{"messageText": text},
		},
		"authorDetails": map[string]interface{}{
			"channelId":       authorID,
			"displayName":     displayName,
			"profileImageUrl": "https://example.com/avatar.png",
			"isChatModerator": isMod,
			"isChatOwner":     false,
		},
	}
}
