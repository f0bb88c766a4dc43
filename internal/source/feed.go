package source

import (
	"context"
	"sync"

	"github.com/openclob/marketsync/internal/domain"
)

// Feed returns a lazy, non-restartable stream of the market's events. Events
// are push-buffered without bound between the poller and the consumer, so a
// slow consumer never blocks dispatch to other subscribers. The channel is
// closed when ctx is cancelled.
func (s *Source) Feed(ctx context.Context, market string) <-chan domain.MarketEvent {
	out := make(chan domain.MarketEvent)

	var mu sync.Mutex
	var buf []domain.MarketEvent
	notify := make(chan struct{}, 1)

	id := s.On(market, func(ev domain.MarketEvent) {
		mu.Lock()
		if buf == nil {
			buf = make([]domain.MarketEvent, 0, s.feedBuf)
		}
		buf = append(buf, ev)
		mu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer s.Off(market, id)
		for {
			mu.Lock()
			pending := buf
			buf = nil
			mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
