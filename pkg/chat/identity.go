package chat

import (
	"github.com/sidelinehq/chatkit/pkg/models"

	"github.com/samber/lo"
)

// Registry resolves participant ids to display metadata. It is a plain
// lookup table fed by the caller; unknown ids resolve to a placeholder so
// rendering never has to guard against missing participants.
type Registry struct {
	participants map[string]models.Participant
}

func NewRegistry(participants ...models.Participant) *Registry {
	r := &Registry{participants: make(map[string]models.Participant)}
	for _, item := range participants {
		r.participants[item.ID] = item
	}
	return r
}

func (r *Registry) Put(participant models.Participant) {
	r.participants[participant.ID] = participant
}

func (r *Registry) SetPresence(id string, presence models.PresenceStatus) {
	if item, ok := r.participants[id]; ok {
		item.Presence = presence
		r.participants[id] = item
	}
}

// Resolve returns the participant for an id, or a placeholder carrying the
// id itself when the participant is unknown.
func (r *Registry) Resolve(id string) models.Participant {
	if item, ok := r.participants[id]; ok {
		return item
	}
	return models.Participant{ID: id, Name: id}
}

func (r *Registry) List() []models.Participant {
	return lo.Values(r.participants)
}
