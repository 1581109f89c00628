package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// subscriberPool opens size competing subscriptions on one queue and merges
// their deliveries into a single channel. Every subscription holds at most
// one unacknowledged delivery, so size bounds the dispatches running at the
// same time.
type subscriberPool struct {
	message.Subscriber
	size int

	closeOnce sync.Once
	closeErr  error
}

func newSubscriberPool(sub message.Subscriber, size int) *subscriberPool {
	if size <= 0 {
		size = 1
	}
	return &subscriberPool{Subscriber: sub, size: size}
}

// Subscribe starts the subscriptions. The returned channel is closed once
// all of them ended.
func (p *subscriberPool) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	inputs := make([]<-chan *message.Message, 0, p.size)
	for i := 0; i < p.size; i++ {
		in, err := p.Subscriber.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscription %d of %d: %w", i+1, p.size, err)
		}
		inputs = append(inputs, in)
	}

	out := make(chan *message.Message)
	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		go func(in <-chan *message.Message) {
			defer wg.Done()
			for msg := range in {
				select {
				case out <- msg:
				case <-ctx.Done():
					msg.Nack()
				}
			}
		}(in)
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}

// Close closes the underlying subscriber once.
func (p *subscriberPool) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Subscriber.Close()
	})
	return p.closeErr
}
