package chat

import "github.com/google/uuid"

// RoomSummary is the public view of a room, also used as the room-creation
// and room-info response body.
type RoomSummary struct {
	ID   string `json:"room_id"`
	Name string `json:"room_name"`
}

// room is only touched by the registry while holding its lock.
type room struct {
	id      string
	name    string
	members map[string]Sink
}

func newRoom() *room {
	return &room{
		id:      uuid.NewString(),
		name:    "Room " + uuid.NewString()[:8],
		members: make(map[string]Sink),
	}
}

func (r *room) summary() RoomSummary {
	return RoomSummary{ID: r.id, Name: r.name}
}

// broadcast offers env to every member and returns how many deliveries were
// dropped. One failing member never stops delivery to the rest.
func (r *room) broadcast(env Envelope) int {
	dropped := 0
	for _, sink := range r.members {
		if !sink.Deliver(env) {
			dropped++
		}
	}
	return dropped
}
