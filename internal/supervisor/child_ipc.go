package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// childEnvelope is the JSON-over-pipe message shape used by
// interpreted-script children (spec §4.3 "Message protocol").
type childEnvelope struct {
	Type      string          `json:"type"`
	Port      *int            `json:"port,omitempty"`
	Correlator string         `json:"correlator,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// childChannel reads newline-delimited JSON envelopes from an interpreted
// child's IPC pipe and dispatches them: the first "ready" envelope goes to
// a one-shot latch installed at construction time, every other envelope
// goes to a type-keyed application handler table.
//
// The ready latch is created and armed before the reader goroutine starts,
// so a "ready" message arriving on the very first read can never be lost
// to a handler table that hasn't been wired up yet (spec §8 boundary
// behavior on same-tick races).
type childChannel struct {
	mu       sync.Mutex
	handlers map[string]func(childEnvelope)

	ready     chan childEnvelope
	readyOnce sync.Once
}

func newChildChannel() *childChannel {
	return &childChannel{
		handlers: make(map[string]func(childEnvelope)),
		ready:    make(chan childEnvelope, 1),
	}
}

// onType registers (or replaces) the handler for a non-"ready" envelope
// type. Safe to call before or after the reader goroutine starts.
func (c *childChannel) onType(envType string, h func(childEnvelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[envType] = h
}

// run reads envelopes until r is closed or yields a decode error.
func (c *childChannel) run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env childEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			// malformed envelope: dropped without being logged; channel stays open
			continue
		}

		if env.Type == "ready" {
			c.readyOnce.Do(func() { c.ready <- env })
			continue
		}

		c.mu.Lock()
		h := c.handlers[env.Type]
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
	return scanner.Err()
}

// awaitReady blocks until the latch fires or done is closed.
func (c *childChannel) awaitReady(done <-chan struct{}) (childEnvelope, error) {
	select {
	case env := <-c.ready:
		return env, nil
	case <-done:
		return childEnvelope{}, fmt.Errorf("supervisor: ready wait cancelled")
	}
}
