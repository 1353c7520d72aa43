package sync2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matrix-org/clientsync/internal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var Version = ""

// Timeline limits for sync filters. The first sync only needs the newest event of every room: history
// is backfilled on demand.
const (
	InitialTimelineLimit = 1
	TimelineLimit        = 50
)

type Direction string

const (
	DirectionBackward Direction = "b"
	DirectionForward  Direction = "f"
)

// Client is the homeserver API the engine needs. Errors are *internal.Error: KindUnauthorized for
// 401s, KindMalformed for undecodable responses and KindTransient for everything else.
type Client interface {
	// DoSyncV2 performs a /sync request. Set isFirst=true on the first sync of the process to force a
	// timeout=0 sync.
	DoSyncV2(ctx context.Context, accessToken, since string, isFirst bool) (*SyncResponse, int, error)
	// Messages fetches a page of room history.
	Messages(ctx context.Context, accessToken, roomID, from string, dir Direction, limit int) (*MessagesResponse, error)
	// RoomState fetches the current state of a room.
	RoomState(ctx context.Context, accessToken, roomID string) ([]json.RawMessage, error)
	Profile(ctx context.Context, accessToken, userID string) (internal.Contact, error)
}

// HTTPClient is a Client talking to a real homeserver.
type HTTPClient struct {
	Client            *http.Client
	DestinationServer string
}

// NewHTTPClient makes a client whose requests are traced.
func NewHTTPClient(destinationServer string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		DestinationServer: destinationServer,
	}
}

func (v *HTTPClient) do(ctx context.Context, accessToken, reqURL, op string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, 0, internal.NewError(internal.KindTransient, "%s: NewRequest failed: %w", op, err)
	}
	req.Header.Set("User-Agent", "clientsync-"+Version)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, 0, internal.NewError(internal.KindTransient, "%s: request failed: %w", op, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
	case 401:
		return nil, res.StatusCode, internal.NewError(internal.KindUnauthorized, "%s: response returned %s", op, res.Status)
	default:
		return nil, res.StatusCode, internal.NewError(internal.KindTransient, "%s: response returned %s", op, res.Status)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, internal.NewError(internal.KindTransient, "%s: failed to read body: %w", op, err)
	}
	return body, res.StatusCode, nil
}

func (v *HTTPClient) DoSyncV2(ctx context.Context, accessToken, since string, isFirst bool) (*SyncResponse, int, error) {
	body, code, err := v.do(ctx, accessToken, v.createSyncURL(since, isFirst), "DoSyncV2")
	if err != nil {
		return nil, code, err
	}
	var svr SyncResponse
	if err := json.Unmarshal(body, &svr); err != nil {
		return nil, code, internal.NewError(internal.KindMalformed, "DoSyncV2: response body decode JSON failed: %w", err)
	}
	return &svr, code, nil
}

func (v *HTTPClient) createSyncURL(since string, isFirst bool) string {
	qps := "?"
	if isFirst { // first time syncing in this process
		qps += "timeout=0"
	} else {
		qps += "timeout=30000"
	}
	if since != "" {
		qps += "&since=" + url.QueryEscape(since)
	}
	// we never want presence, and we don't want to accidentally set the user as online
	qps += "&set_presence=offline"

	limit := TimelineLimit
	if since == "" {
		limit = InitialTimelineLimit
	}
	filter, _ := sjson.Set(`{"presence":{"not_types":["*"]}}`, "room.timeline.limit", limit)
	qps += "&filter=" + url.QueryEscape(filter)
	return v.DestinationServer + "/_matrix/client/v3/sync" + qps
}

func (v *HTTPClient) Messages(ctx context.Context, accessToken, roomID, from string, dir Direction, limit int) (*MessagesResponse, error) {
	qps := url.Values{}
	qps.Set("dir", string(dir))
	qps.Set("limit", strconv.Itoa(limit))
	if from != "" {
		qps.Set("from", from)
	}
	reqURL := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/messages?%s", v.DestinationServer, url.PathEscape(roomID), qps.Encode())
	body, _, err := v.do(ctx, accessToken, reqURL, "Messages")
	if err != nil {
		return nil, err
	}
	var res MessagesResponse
	if err = json.Unmarshal(body, &res); err != nil {
		return nil, internal.NewError(internal.KindMalformed, "Messages: response body decode JSON failed: %w", err)
	}
	return &res, nil
}

func (v *HTTPClient) RoomState(ctx context.Context, accessToken, roomID string) ([]json.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/state", v.DestinationServer, url.PathEscape(roomID))
	body, _, err := v.do(ctx, accessToken, reqURL, "RoomState")
	if err != nil {
		return nil, err
	}
	var events []json.RawMessage
	if err = json.Unmarshal(body, &events); err != nil {
		return nil, internal.NewError(internal.KindMalformed, "RoomState: response body decode JSON failed: %w", err)
	}
	return events, nil
}

func (v *HTTPClient) Profile(ctx context.Context, accessToken, userID string) (internal.Contact, error) {
	reqURL := fmt.Sprintf("%s/_matrix/client/v3/profile/%s", v.DestinationServer, url.PathEscape(userID))
	body, _, err := v.do(ctx, accessToken, reqURL, "Profile")
	if err != nil {
		return internal.Contact{}, err
	}
	if !gjson.ValidBytes(body) {
		return internal.Contact{}, internal.NewError(internal.KindMalformed, "Profile: invalid JSON")
	}
	res := gjson.ParseBytes(body)
	return internal.Contact{
		UserID:      userID,
		DisplayName: res.Get("displayname").Str,
		AvatarURL:   res.Get("avatar_url").Str,
	}, nil
}

type SyncResponse struct {
	NextBatch   string            `json:"next_batch"`
	AccountData EventsResponse    `json:"account_data"`
	Rooms       SyncRoomsResponse `json:"rooms"`
}

type SyncRoomsResponse struct {
	Join   map[string]SyncV2JoinResponse   `json:"join"`
	Invite map[string]SyncV2InviteResponse `json:"invite"`
	Leave  map[string]SyncV2LeaveResponse  `json:"leave"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' or 'peek' key.
type SyncV2JoinResponse struct {
	State               EventsResponse      `json:"state"`
	Timeline            TimelineResponse    `json:"timeline"`
	Ephemeral           EventsResponse      `json:"ephemeral"`
	AccountData         EventsResponse      `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

type UnreadNotifications struct {
	HighlightCount    *int `json:"highlight_count,omitempty"`
	NotificationCount *int `json:"notification_count,omitempty"`
}

type TimelineResponse struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// InviteResponse represents a /sync response for a room which is under the 'invite' key.
type SyncV2InviteResponse struct {
	InviteState EventsResponse `json:"invite_state"`
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type SyncV2LeaveResponse struct {
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}

// MessagesResponse is a page of /messages. End is absent when there is nothing more in that direction.
type MessagesResponse struct {
	Start string            `json:"start"`
	End   string            `json:"end,omitempty"`
	Chunk []json.RawMessage `json:"chunk"`
	State []json.RawMessage `json:"state,omitempty"`
}
