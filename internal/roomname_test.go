package internal

import "testing"

func TestCalculateRoomName(t *testing.T) {
	alice := &Hero{
		ID:          "@alice:localhost",
		StateName:   "Alice",
		ContactName: "Alice (work)",
	}
	testCases := []struct {
		name           string
		roomName       string
		canonicalAlias string
		isGroup        bool
		opponent       *Hero

		wantRoomName string
	}{
		{
			name:           "room name takes precedence",
			roomName:       "My Room Name",
			canonicalAlias: "#alias:localhost",
			opponent:       alice,
			wantRoomName:   "My Room Name",
		},
		{
			name:           "alias takes precedence if room name is missing",
			canonicalAlias: "#alias:localhost",
			opponent:       alice,
			wantRoomName:   "#alias:localhost",
		},
		{
			name:         "groups without a name",
			isGroup:      true,
			opponent:     alice,
			wantRoomName: "Group",
		},
		{
			name:         "member event display name beats the contact directory",
			opponent:     alice,
			wantRoomName: "Alice",
		},
		{
			name: "contact name when the member event has no display name",
			opponent: &Hero{
				ID:          "@alice:localhost",
				ContactName: "Alice (work)",
			},
			wantRoomName: "Alice (work)",
		},
		{
			name: "raw user ID when nothing else is known",
			opponent: &Hero{
				ID: "@alice:localhost",
			},
			wantRoomName: "@alice:localhost",
		},
		{
			name:         "no opponent",
			wantRoomName: "Chat",
		},
	}

	for _, tc := range testCases {
		gotName := CalculateRoomName(tc.roomName, tc.canonicalAlias, tc.isGroup, tc.opponent)
		if gotName != tc.wantRoomName {
			t.Errorf("%s: got %q want %q", tc.name, gotName, tc.wantRoomName)
		}
	}
}

func TestCalculateRoomAvatar(t *testing.T) {
	testCases := []struct {
		roomAvatar string
		isGroup    bool
		opponent   *Hero
		want       string
	}{
		{roomAvatar: "mxc://a/room", opponent: &Hero{StateAvatar: "mxc://a/alice"}, want: "mxc://a/room"},
		{opponent: &Hero{StateAvatar: "mxc://a/alice", ContactAvatar: "mxc://a/contact"}, want: "mxc://a/alice"},
		{opponent: &Hero{ContactAvatar: "mxc://a/contact"}, want: "mxc://a/contact"},
		{isGroup: true, opponent: &Hero{StateAvatar: "mxc://a/alice"}, want: ""},
		{want: ""},
	}
	for i, tc := range testCases {
		got := CalculateRoomAvatar(tc.roomAvatar, tc.isGroup, tc.opponent)
		if got != tc.want {
			t.Errorf("case %d: got %q want %q", i, got, tc.want)
		}
	}
}
