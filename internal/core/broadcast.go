package core

import (
	"log/slog"

	"cosmic/server/internal/metrics"
)

// Broadcast delivers payload to every participant of roomID except exclude
// (nil excludes nobody) and returns how many sends succeeded.
//
// Delivery is best-effort and independent per recipient. A failed send never
// reaches the caller: the recipient is dropped from the room and its
// transport closed, which makes its own handler run the normal leave path.
// A missing room is a no-op.
func (r *Registry) Broadcast(roomID string, payload []byte, exclude *Participant) int {
	room, ok := r.Lookup(roomID)
	if !ok {
		return 0
	}
	return r.deliver(room, payload, exclude)
}

// BroadcastRoom is Broadcast for a room the caller already holds.
func (r *Registry) BroadcastRoom(room *Room, payload []byte, exclude *Participant) int {
	return r.deliver(room, payload, exclude)
}

func (r *Registry) deliver(room *Room, payload []byte, exclude *Participant) int {
	targets := room.snapshot(exclude)

	sent := 0
	for _, p := range targets {
		if err := p.Send(payload); err != nil {
			metrics.DeliveryFailures.Inc()
			slog.Debug("delivery failed, dropping participant", "room_id", room.ID(), "conn_id", p.ID, "name", p.Name, "err", err)
			r.drop(room, p)
			continue
		}
		sent++
	}
	metrics.Deliveries.Add(float64(sent))
	return sent
}

func (r *Registry) drop(room *Room, p *Participant) {
	_, empty := room.Remove(p)
	_ = p.Close()
	if empty {
		r.Remove(room.ID())
	}
}
