package internal

const (
	DefaultGroupName  = "Group"
	DefaultDirectName = "Chat"
)

// Hero is the other participant of a two-party room, as far as it is known. StateName/StateAvatar come
// from their m.room.member event, ContactName/ContactAvatar from the contact directory.
type Hero struct {
	ID            string
	StateName     string
	StateAvatar   string
	ContactName   string
	ContactAvatar string
}

// CalculateRoomName picks the display name of a room. In order:
//   - the m.room.name state event
//   - the m.room.canonical_alias state event
//   - for groups, DefaultGroupName
//   - for two-party rooms: the opponent's member event display name, then their contact name, then
//     their user ID, then DefaultDirectName if there is no opponent at all.
func CalculateRoomName(roomName, canonicalAlias string, isGroup bool, opponent *Hero) string {
	if roomName != "" {
		return roomName
	}
	if canonicalAlias != "" {
		return canonicalAlias
	}
	if isGroup {
		return DefaultGroupName
	}
	if opponent == nil || opponent.ID == "" {
		return DefaultDirectName
	}
	if opponent.StateName != "" {
		return opponent.StateName
	}
	if opponent.ContactName != "" {
		return opponent.ContactName
	}
	return opponent.ID
}

// CalculateRoomAvatar follows the same precedence as CalculateRoomName, except groups and rooms with
// nothing known have no avatar.
func CalculateRoomAvatar(roomAvatar string, isGroup bool, opponent *Hero) string {
	if roomAvatar != "" {
		return roomAvatar
	}
	if isGroup || opponent == nil {
		return ""
	}
	if opponent.StateAvatar != "" {
		return opponent.StateAvatar
	}
	return opponent.ContactAvatar
}
