package shell

import (
	"bytes"
	"io"
	"sync"
)

// fakeChannel is a test double for channel: it lets tests push bytes into
// stdout/stderr, inspect writes, and drive Wait()'s result without a real
// sshd.
type fakeChannel struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu            sync.Mutex
	written       bytes.Buffer
	windowChanges []windowChange
	closed        bool

	waitCh  chan struct{}
	exitErr error
}

type windowChange struct{ cols, rows, pixelWidth, pixelHeight int }

func newFakeChannel() *fakeChannel {
	sr, sw := io.Pipe()
	er, ew := io.Pipe()
	return &fakeChannel{
		stdoutR: sr, stdoutW: sw,
		stderrR: er, stderrW: ew,
		waitCh: make(chan struct{}),
	}
}

func (f *fakeChannel) Read(p []byte) (int, error) { return f.stdoutR.Read(p) }

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeChannel) Stderr() io.Reader { return f.stderrR }

func (f *fakeChannel) WindowChange(cols, rows, pixelWidth, pixelHeight int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowChanges = append(f.windowChanges, windowChange{cols, rows, pixelWidth, pixelHeight})
	return nil
}

// Close simulates the remote side hanging up: both pipes report EOF to any
// pending Read, and Wait unblocks with whatever exitErr the test configured.
func (f *fakeChannel) Close() error {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if already {
		return nil
	}
	_ = f.stdoutW.Close()
	_ = f.stderrW.Close()
	close(f.waitCh)
	return nil
}

func (f *fakeChannel) Wait() error {
	<-f.waitCh
	return f.exitErr
}

// fakeExitError satisfies the duck-typed "interface{ ExitStatus() int }"
// the tmux probe checks, without depending on golang.org/x/crypto/ssh's
// unexported Waitmsg internals.
type fakeExitError struct{ status int }

func (e *fakeExitError) Error() string  { return "process exited" }
func (e *fakeExitError) ExitStatus() int { return e.status }

// failAfter closes the channel with exitErr set, simulating a remote
// command that exits with the given status shortly after start.
func (f *fakeChannel) failAfter(status int) {
	f.mu.Lock()
	f.exitErr = &fakeExitError{status: status}
	f.mu.Unlock()
	_ = f.Close()
}

type fakeClosedCb struct {
	mu    sync.Mutex
	ids   []string
}

func (c *fakeClosedCb) OnShellClosed(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, channelID)
}

func (c *fakeClosedCb) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}
