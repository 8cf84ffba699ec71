package models

type ParticipantRole = int8

const (
	RoleAthlete = ParticipantRole(iota)
	RoleCoach
	RoleParent
	RoleStaff
)

type PresenceStatus = int8

const (
	PresenceOffline = PresenceStatus(iota)
	PresenceOnline
	PresenceAway
)

// Participant is the display metadata resolved from a participant id.
type Participant struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Nick     string          `json:"nick"`
	Avatar   *string         `json:"avatar"`
	Role     ParticipantRole `json:"role"`
	Presence PresenceStatus  `json:"presence"`
}

func (v Participant) DisplayText() string {
	if len(v.Nick) > 0 {
		return v.Nick
	}
	if len(v.Name) > 0 {
		return v.Name
	}
	return v.ID
}
