package main

import "sync/atomic"

// frameInput is what the window reported since the previous loop iteration.
type frameInput struct {
	resized bool
	quit    bool
}

func (in frameInput) merge(other frameInput) frameInput {
	return frameInput{
		resized: in.resized || other.resized,
		quit:    in.quit || other.quit,
	}
}

// inputQueue collects window callbacks during PollEvents. Callbacks and the
// loop share the main thread; only requestQuit may be called from another
// goroutine.
type inputQueue struct {
	pending frameInput
	quit    atomic.Bool
}

func (q *inputQueue) push(in frameInput) {
	q.pending = q.pending.merge(in)
}

// requestQuit asks the loop to stop before its next frame. Once requested,
// every later drain reports quit.
func (q *inputQueue) requestQuit() {
	q.quit.Store(true)
}

func (q *inputQueue) drain() frameInput {
	in := q.pending
	q.pending = frameInput{}
	in.quit = in.quit || q.quit.Load()
	return in
}

// renderLoop drives frames on the calling goroutine until the window closes
// or a quit is drained. A quit never interrupts a frame in progress.
type renderLoop struct {
	input  *inputQueue
	poll   func()
	closed func() bool
	draw   func(frameInput) error
}

func (l *renderLoop) run() error {
	for !l.closed() {
		l.poll()
		in := l.input.drain()
		if in.quit {
			return nil
		}
		if err := l.draw(in); err != nil {
			return err
		}
	}
	return nil
}
