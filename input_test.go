package main

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestInputQueueDrain(t *testing.T) {
	var q inputQueue
	q.push(frameInput{resized: true})
	q.push(frameInput{})
	q.push(frameInput{quit: true})

	if got := q.drain(); got != (frameInput{resized: true, quit: true}) {
		t.Errorf("drain = %+v", got)
	}
	if got := q.drain(); got != (frameInput{}) {
		t.Errorf("second drain = %+v, want empty", got)
	}
}

func TestRequestQuitIsSticky(t *testing.T) {
	var q inputQueue
	done := make(chan struct{})
	go func() {
		q.requestQuit()
		close(done)
	}()
	<-done
	q.push(frameInput{resized: true})
	if got := q.drain(); !got.quit || !got.resized {
		t.Errorf("drain = %+v", got)
	}
	if got := q.drain(); !got.quit {
		t.Error("quit request forgotten after one drain")
	}
}

// A quit requested from another goroutine while a frame is being drawn
// takes effect only after that frame returns.
func TestRenderLoopStopsBetweenFrames(t *testing.T) {
	var q inputQueue
	var (
		frames  int
		inFrame bool
	)
	loop := renderLoop{
		input:  &q,
		poll:   func() {},
		closed: func() bool { return false },
		draw: func(in frameInput) error {
			if in.quit {
				t.Error("frame drawn with quit pending")
			}
			inFrame = true
			frames++
			if frames == 2 {
				requested := make(chan struct{})
				go func() {
					q.requestQuit()
					close(requested)
				}()
				<-requested
			}
			inFrame = false
			return nil
		},
	}
	if err := loop.run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if frames != 2 {
		t.Errorf("drew %d frames, want 2", frames)
	}
	if inFrame {
		t.Error("loop returned in the middle of a frame")
	}
}

func TestRenderLoopEvents(t *testing.T) {
	var q inputQueue
	polls := 0
	var seen []frameInput
	loop := renderLoop{
		input: &q,
		poll: func() {
			polls++
			switch polls {
			case 2:
				q.push(frameInput{resized: true})
			case 3:
				q.push(frameInput{quit: true})
			}
		},
		closed: func() bool { return false },
		draw: func(in frameInput) error {
			seen = append(seen, in)
			return nil
		},
	}
	if err := loop.run(); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0].resized || !seen[1].resized {
		t.Errorf("frames saw %+v", seen)
	}
}

func TestRenderLoopStops(t *testing.T) {
	var q inputQueue
	closed := false
	frames := 0
	loop := renderLoop{
		input:  &q,
		poll:   func() {},
		closed: func() bool { return closed },
		draw: func(frameInput) error {
			frames++
			closed = frames == 3
			return nil
		},
	}
	if err := loop.run(); err != nil || frames != 3 {
		t.Errorf("window close: frames %d err %v", frames, err)
	}

	boom := errors.New("device lost")
	loop.closed = func() bool { return false }
	loop.draw = func(frameInput) error { return boom }
	if err := loop.run(); !errors.Is(err, boom) {
		t.Errorf("draw error: %v", err)
	}
}
