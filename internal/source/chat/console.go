package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// ConsoleTransport is a line-oriented Transport over stdio, useful for
// running the assistant locally without a chat service. Every line read is
// an update from the configured user.
type ConsoleTransport struct {
	userID  string
	out     io.Writer
	updates chan Update

	// mu serializes writes; replies and email summaries share the stream.
	mu sync.Mutex
}

// NewConsoleTransport starts reading lines from r immediately. The updates
// channel closes when r is exhausted.
func NewConsoleTransport(r io.Reader, w io.Writer, userID string) *ConsoleTransport {
	t := &ConsoleTransport{
		userID:  userID,
		out:     w,
		updates: make(chan Update),
	}
	go t.readLoop(r)
	return t
}

func (t *ConsoleTransport) readLoop(r io.Reader) {
	defer close(t.updates)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		seq++
		t.updates <- Update{
			UserID:     t.userID,
			MessageID:  "console-" + strconv.Itoa(seq),
			Text:       line,
			ReceivedAt: time.Now(),
		}
	}
}

// Updates implements Transport.
func (t *ConsoleTransport) Updates() <-chan Update { return t.updates }

// Send implements Transport by printing the reply.
func (t *ConsoleTransport) Send(_ context.Context, _ string, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, "%s\n\n", text)
	return err
}
