package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when the stream ends; at most one error is sent.
type StreamProvider interface {
	StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error)
}

// send forwards a chunk unless ctx is done. It reports false when the caller went away.
func send(ctx context.Context, ch chan<- string, s string) bool {
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stream adapts any Provider to streaming. Providers without native streaming deliver
// their whole reply as one chunk.
func Stream(ctx context.Context, p Provider, req Request) (<-chan string, <-chan error) {
	if sp, ok := p.(StreamProvider); ok {
		return sp.StreamChat(ctx, req)
	}
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		reply, err := p.Chat(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		if reply != "" {
			send(ctx, chunks, reply)
		}
	}()
	return chunks, errs
}
