package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Fake is an in-memory runtime for tests and mock mode.
type Fake struct {
	mu         sync.Mutex
	down       bool
	latency    time.Duration
	chunks     []string
	chunkDelay time.Duration
	restarts   []string
	messages   []string
}

func NewFake(chunks ...string) *Fake {
	if len(chunks) == 0 {
		chunks = []string{"ack"}
	}
	return &Fake{chunks: chunks}
}

func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *Fake) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

func (f *Fake) SetChunks(delay time.Duration, chunks ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkDelay, f.chunks = delay, chunks
}

func (f *Fake) Restarts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restarts...)
}

func (f *Fake) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *Fake) CheckAvailability(ctx context.Context) Availability {
	f.mu.Lock()
	down, latency := f.down, f.latency
	f.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Availability{Status: StatusUnavailable, Error: ctx.Err().Error()}
		}
	}
	if down {
		return Availability{Status: StatusUnavailable, Error: "runtime down"}
	}
	return Availability{Status: StatusOK, Available: true}
}

func (f *Fake) RestartAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("runtime down")
	}
	f.restarts = append(f.restarts, agentID)
	return nil
}

func (f *Fake) SendToAgent(ctx context.Context, agentID, message string) (<-chan Chunk, error) {
	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return nil, errors.New("runtime down")
	}
	f.messages = append(f.messages, agentID+": "+message)
	chunks := append([]string(nil), f.chunks...)
	delay := f.chunkDelay
	f.mu.Unlock()

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
