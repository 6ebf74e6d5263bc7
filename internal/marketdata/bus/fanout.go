package bus

import (
	"context"
	"log"
	"sync"

	"pricediff/internal/model"
)

// FanOut broadcasts price updates from a single input channel to N output
// channels. If an output channel is full, the update is dropped for that
// consumer so a slow consumer (the focus monitor, say) never stalls the
// recorder.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.PriceUpdate
	names   []string
	bufSize int

	// OnDrop is called when an update is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new named output channel. Subscribe must
// be called before Run.
func (f *FanOut) Subscribe(name string) <-chan model.PriceUpdate {
	ch := make(chan model.PriceUpdate, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed, then closes every output.
func (f *FanOut) Run(ctx context.Context, input <-chan model.PriceUpdate) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- upd:
				default:
					if f.OnDrop != nil {
						f.OnDrop(f.names[i])
					} else {
						log.Printf("[bus] subscriber %q full, dropping %s update (%d symbols)", f.names[i], upd.Exchange, len(upd.Prices))
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel, used for
// reporting channel saturation.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns one ChannelStat per subscriber.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
