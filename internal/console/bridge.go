package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// StopSentinel is the console text the server prints when it begins shutting down.
const StopSentinel = "Stopping the server"

// ErrBrokenPipe means the child's input is gone; the bridge cannot be used again.
var ErrBrokenPipe = errors.New("console input closed")

const (
	maxLineBytes   = 1024 * 1024
	readBufferSize = 64 * 1024
)

// LineWriter receives every sanitized output line
type LineWriter interface {
	WriteLine(line string) error
}

// Options configures a Bridge
type Options struct {
	// Buffer keeps recent lines for the operator history command
	Buffer *RingBuffer
	// Log receives every line, typically the rotating console log
	Log LineWriter
	// Echo receives every line verbatim for the operator terminal
	Echo io.Writer
}

// Bridge is a line-oriented proxy over a child process's stdout and stdin.
type Bridge struct {
	state  *RunState
	reader io.ReadCloser
	input  io.WriteCloser
	writer *bufio.Writer
	opts   Options

	writeMu sync.Mutex
	broken  atomic.Bool

	subsMu     sync.Mutex
	subs       map[int]chan string
	nextSub    int
	subsClosed bool

	closing   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewBridge wires a bridge to a process instance's RunState and pipes.
func NewBridge(state *RunState, stdout io.ReadCloser, stdin io.WriteCloser, opts Options) *Bridge {
	return &Bridge{
		state:  state,
		reader: stdout,
		input:  stdin,
		writer: bufio.NewWriter(stdin),
		opts:   opts,
		subs:   make(map[int]chan string),
		done:   make(chan struct{}),
	}
}

// Start launches the read loop
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		go b.readLoop()
	})
}

// State returns the RunState this bridge writes
func (b *Bridge) State() *RunState {
	return b.state
}

// Done is closed once the read loop has returned and released the reader
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	defer b.closeSubscribers()
	defer b.reader.Close()

	reader := bufio.NewReaderSize(b.reader, readBufferSize)
	for {
		line, truncated, err := readLine(reader)
		if err == nil || line != "" {
			if truncated {
				log.Printf("[Console] Output line longer than %d bytes, truncated", maxLineBytes)
			}
			b.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !b.closing.Load() {
				log.Printf("[Console] Output read error: %v", err)
			}
			break
		}
	}

	if b.state.markStopped(StopReasonEOF) {
		log.Printf("[Console] Output stream ended without stop sentinel")
	}
}

// readLine returns the next line without its terminator. Anything past
// maxLineBytes is read and discarded so the stream keeps flowing.
func readLine(r *bufio.Reader) (string, bool, error) {
	var buf []byte
	truncated := false
	for {
		chunk, err := r.ReadSlice('\n')
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		if room := maxLineBytes - len(buf); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return strings.TrimSuffix(string(buf), "\r"), truncated, err
	}
}

func (b *Bridge) handleLine(raw string) {
	line := sanitizeConsoleLine(raw)

	if b.opts.Echo != nil {
		fmt.Fprintln(b.opts.Echo, line)
	}
	if b.opts.Buffer != nil {
		b.opts.Buffer.Add(line)
	}
	if b.opts.Log != nil {
		if err := b.opts.Log.WriteLine(line); err != nil {
			log.Printf("[Console] Failed to write console log: %v", err)
		}
	}

	if strings.Contains(raw, StopSentinel) {
		if b.state.markStopped(StopReasonSentinel) {
			log.Printf("[Console] Stop sentinel detected")
		}
	}

	b.publish(line)
}

// SendCommand writes one command line to the child's input and flushes it.
// Callers that share a bridge must serialize through the supervisor.
func (b *Bridge) SendCommand(command string) error {
	clean, err := ValidateCommand(command)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.broken.Load() {
		return ErrBrokenPipe
	}

	log.Printf("[Console] Sending command: %s", clean)

	_, err = b.writer.WriteString(clean + "\n")
	if err == nil {
		err = b.writer.Flush()
	}
	if err != nil {
		b.broken.Store(true)
		b.state.markStopped(StopReasonWriteFailed)
		return fmt.Errorf("%w: %w", ErrBrokenPipe, err)
	}

	return nil
}

// Subscribe returns a channel that receives every subsequent output line.
// Lines are dropped for a subscriber whose buffer is full. The channel is closed
// when the read loop ends or cancel is called.
func (b *Bridge) Subscribe(buffer int) (<-chan string, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan string, buffer)

	b.subsMu.Lock()
	if b.subsClosed {
		b.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.subsMu.Unlock()

	cancel := func() {
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *Bridge) publish(line string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (b *Bridge) closeSubscribers() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.subsClosed = true
}

// Close releases the child's input and output pipes, unblocking the read loop,
// and waits for the loop to exit.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closing.Store(true)

		b.writeMu.Lock()
		b.broken.Store(true)
		err = b.input.Close()
		b.writeMu.Unlock()

		// The read loop may already have closed it
		_ = b.reader.Close()
	})

	b.startOnce.Do(func() {
		close(b.done)
		b.closeSubscribers()
	})
	<-b.done

	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
