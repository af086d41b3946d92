package main

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer guards bytes.Buffer for the printer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressPrinter_Line(t *testing.T) {
	p := NewProgressPrinter(nil, "Downloading", "connecting")
	assert.Equal(t, "\rDownloading (dive 2...)   ", p.line("dive 2", 0))
	assert.Equal(t, "\rDownloading (dive 2 3s)   ", p.line("dive 2", 3))

	p.SetFraction(0.424)
	assert.Equal(t, "\rDownloading  42% (dive 2 3s)   ", p.line("dive 2", 3))
	p.SetFraction(7)
	assert.Equal(t, "\rDownloading 100% (done...)   ", p.line("done", 0))
}

func TestProgressPrinter_StopPhase(t *testing.T) {
	// GOAL: a stop phase set through Callback ends the printer and clears the line
	//
	// TEST SCENARIO: Start → Callback(stop phase) → output ends with the clear sequence, second Stop is a no-op
	out := &syncBuffer{}
	p := NewCountdownProgressPrinter(out, "Scanning", "Scanning", time.Second, "Processing results")
	p.Start()

	p.Callback()("Processing results")
	assert.Contains(t, out.String(), "Scanning (Scanning...)")
	assert.True(t, bytes.HasSuffix([]byte(out.String()), []byte(clearLineSequence)))

	p.Stop()
	assert.Panics(t, p.Start)
}
