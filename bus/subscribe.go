package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/jrc1883/meshbrain/protocol"
)

// SubscribeAll subscribes to every channel and merges the deliveries into
// one stream. The stream closes once ctx is done or every underlying
// subscription has closed. Ordering across channels is not preserved.
func SubscribeAll(ctx context.Context, b Bus, channels ...string) (<-chan protocol.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	subs := make([]<-chan protocol.Message, 0, len(channels))
	for _, ch := range channels {
		sub, err := b.Subscribe(ctx, ch)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", ch, err)
		}
		subs = append(subs, sub)
	}

	return merge(ctx, cancel, subs), nil
}

// merge fans subs into one channel and calls cancel once all of them
// have closed.
func merge(ctx context.Context, cancel context.CancelFunc, subs []<-chan protocol.Message) <-chan protocol.Message {
	merged := make(chan protocol.Message, subscriberBuffer)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range sub {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(merged)
	}()
	return merged
}
