package persistence

import (
	"context"

	"meshsync/internal/bus"
)

// StartPeerSync mirrors subscriber-table updates from the bus into the
// peer_sightings table through the async writer queue, so table writes
// never block the radio loop.
func StartPeerSync(ctx context.Context, b bus.MessageBus, w *WriterQueue, repo *PeerRepo) {
	sub := b.Subscribe(bus.TopicPeerUpdate)
	go func() {
		defer b.Unsubscribe(sub, bus.TopicPeerUpdate)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				update, ok := msg.(bus.PeerUpdate)
				if !ok {
					continue
				}
				sighting := PeerSighting{
					Addr:         update.Addr.String(),
					Group:        update.Group,
					Version:      update.Version,
					Responding:   update.Responding,
					ContentIndex: update.ContentIndex,
					LastSeenAt:   update.SeenAt,
				}
				w.Enqueue("upsert peer sighting", func(ctx context.Context) error {
					return repo.Upsert(ctx, sighting)
				})
			}
		}
	}()
}
