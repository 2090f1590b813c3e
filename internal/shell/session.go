// Package shell owns the shell-session lifecycle: constructing a PTY over
// an SSH channel, joining its reader task to the ring+broadcast data plane
// (streamring), running the bounded tmux-attach probe, and exposing
// writer operations and per-listener subscriptions.
package shell

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mobilessh/sshcore/internal/clock"
	"github.com/mobilessh/sshcore/internal/errs"
	"github.com/mobilessh/sshcore/internal/streamring"
)

const (
	defaultTerm                  = "xterm-256color"
	defaultRows, defaultCols     = 24, 80
	defaultPixelW, defaultPixelH = 0, 0
	tmuxAttachProbeTimeout       = 300 * time.Millisecond
	sendRateLimitMinBurst        = 32 * 1024
)

// DefaultTerminalModes is the base terminal-mode table every PTY request
// starts from; StartShellOptions.Modes overlays (override-or-add) on top.
func DefaultTerminalModes() ssh.TerminalModes {
	return ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.ECHOK:         1,
		ssh.ECHOE:         1,
		ssh.ICANON:        1,
		ssh.ISIG:          1,
		ssh.ICRNL:         1,
		ssh.ONLCR:         1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
}

// StartShellOptions configures Connection.start_shell.
type StartShellOptions struct {
	Term                    string
	Rows, Cols              uint16
	PixelWidth, PixelHeight uint16
	Modes                   ssh.TerminalModes
	UseTmux                 bool
	TmuxSessionName         string
	RingCapacityBytes       uint64

	// SendRateLimit caps SendData to this many bytes/sec, zero disables it.
	SendRateLimit rate.Limit
}

// ClosedCallback is invoked once when the shell's channel closes, either
// from the remote end or from a local close().
type ClosedCallback interface {
	OnShellClosed(channelID string)
}

// ShellSession owns an SSH channel, its reader task, and one streamring
// data plane. It holds only a deregistration closure back to its owning
// Connection — never a strong reference — so closing a session never needs
// the connection to still be reachable.
type ShellSession struct {
	ChannelID      string
	ConnectionID   string
	CreatedAtMs    float64
	ConnectedAtMs  float64
	Term           string

	plane *streamring.DataPlane
	ch    channel

	writeMu sync.Mutex
	limiter *rate.Limiter
	closeOnce sync.Once
	closed    bool
	closedCb  ClosedCallback
	deregister func(channelID string)

	listeners *listenerTable

	readerDone chan struct{}
	readerErr  error
}

// newFromChannel builds a ShellSession around an already-open channel. It
// is factored out from construct() so tests can supply a fake channel.
func newFromChannel(ch channel, channelID, connectionID string, opts StartShellOptions, closedCb ClosedCallback, deregister func(string)) *ShellSession {
	capacity := opts.RingCapacityBytes
	if capacity == 0 {
		capacity = streamring.DefaultRingCapacity
	}
	now := clock.NowMs()
	s := &ShellSession{
		ChannelID:     channelID,
		ConnectionID:  connectionID,
		CreatedAtMs:   now,
		ConnectedAtMs: now,
		Term:          opts.Term,
		plane:         streamring.NewDataPlane(capacity),
		ch:            ch,
		closedCb:      closedCb,
		deregister:    deregister,
		listeners:     newListenerTable(),
		readerDone:    make(chan struct{}),
	}
	if opts.SendRateLimit > 0 {
		burst := int(opts.SendRateLimit) + 1
		if burst < sendRateLimitMinBurst {
			burst = sendRateLimitMinBurst
		}
		s.limiter = rate.NewLimiter(opts.SendRateLimit, burst)
	}
	go s.runReaderTask()
	return s
}

// NewShellSession builds a ShellSession over a live SSH client; it is the
// entry point a Connection calls from start_shell.
func NewShellSession(client *ssh.Client, channelID, connectionID string, opts StartShellOptions, closedCb ClosedCallback, deregister func(string)) (*ShellSession, error) {
	return construct(client, channelID, connectionID, opts, closedCb, deregister)
}

// construct opens a PTY-backed session channel against a real SSH client,
// applies terminal modes, starts the shell or tmux-attach command, and runs
// the attach probe when tmux is in play.
func construct(client *ssh.Client, channelID, connectionID string, opts StartShellOptions, closedCb ClosedCallback, deregister func(string)) (*ShellSession, error) {
	if opts.UseTmux && strings.TrimSpace(opts.TmuxSessionName) == "" {
		return nil, errs.NewTmuxAttachFailed("missing tmux session name")
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, errs.NewTransportError(fmt.Sprintf("new session: %v", err))
	}

	modes := DefaultTerminalModes()
	for k, v := range opts.Modes {
		modes[k] = v
	}

	term := opts.Term
	if term == "" {
		term = defaultTerm
	}
	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}

	// opts.PixelWidth/PixelHeight are not passed here: ssh.Session.RequestPty
	// only accepts character rows/columns, the same limitation documented on
	// sessionChannel.WindowChange. They are carried on StartShellOptions
	// purely for parity with resize_pty's pixel parameters.
	if err := sess.RequestPty(term, int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, errs.NewTransportError(fmt.Sprintf("request pty: %v", err))
	}

	ch, err := newSessionChannel(sess)
	if err != nil {
		sess.Close()
		return nil, errs.NewTransportError(fmt.Sprintf("pipes: %v", err))
	}

	if opts.UseTmux {
		cmd := "tmux attach -t " + strings.TrimSpace(opts.TmuxSessionName)
		if err := sess.Start(cmd); err != nil {
			sess.Close()
			return nil, errs.NewTmuxAttachFailed(err.Error())
		}
	} else {
		if err := sess.Shell(); err != nil {
			sess.Close()
			return nil, errs.NewTransportError(fmt.Sprintf("start shell: %v", err))
		}
	}

	s := newFromChannel(ch, channelID, connectionID, opts, closedCb, deregister)
	s.Term = term

	if opts.UseTmux {
		if err := s.runTmuxAttachProbe(); err != nil {
			s.ch.Close()
			return nil, err
		}
	}

	return s, nil
}

// runTmuxAttachProbe waits up to 300ms for an early
// failure signal from the reader task without blocking construction
// indefinitely. Data received during the window is never dropped — the
// reader task has already been appending to the ring since newFromChannel
// started it, probe or no probe.
func (s *ShellSession) runTmuxAttachProbe() error {
	select {
	case <-s.readerDone:
		if exitErr, ok := s.readerErr.(interface{ ExitStatus() int }); ok && exitErr.ExitStatus() != 0 {
			return errs.NewTmuxAttachFailed(fmt.Sprintf("exit status %d", exitErr.ExitStatus()))
		}
		return errs.NewTmuxAttachFailed("channel closed")
	case <-time.After(tmuxAttachProbeTimeout):
		return nil
	}
}

// runReaderTask reads stdout and stderr concurrently,
// append each to the data plane under its own stream tag, and invoke
// closedCb exactly once when both halves have reached EOF.
func (s *ShellSession) runReaderTask() {
	var eg errgroup.Group
	eg.Go(func() error {
		s.pump(s.ch, streamring.Stdout)
		return nil
	})
	eg.Go(func() error {
		if r := s.ch.Stderr(); r != nil {
			s.pump(r, streamring.Stderr)
		}
		return nil
	})
	_ = eg.Wait()

	s.readerErr = s.ch.Wait()
	close(s.readerDone)

	if s.closedCb != nil {
		s.closedCb.OnShellClosed(s.ChannelID)
	}
}

func (s *ShellSession) pump(r io.Reader, stream streamring.Stream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.plane.Append(buf[:n], stream)
		}
		if err != nil {
			return
		}
	}
}

// SendData writes bytes to the remote stdin, throttled by SendRateLimit
// (one token per byte) when configured.
func (s *ShellSession) SendData(p []byte) error {
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), len(p)); err != nil {
			return errs.NewTransportError(err.Error())
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ch.Write(p)
	if err != nil {
		return errs.NewTransportError(err.Error())
	}
	return nil
}

// ResizePty sends a window-change request. pixelWidth/pixelHeight are
// optional (zero means unknown) and are forwarded best-effort: see
// sessionChannel.WindowChange for why the underlying transport can't
// actually carry them.
func (s *ShellSession) ResizePty(cols, rows, pixelWidth, pixelHeight uint16) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ch.WindowChange(int(cols), int(rows), int(pixelWidth), int(pixelHeight)); err != nil {
		return errs.NewTransportError(err.Error())
	}
	return nil
}

// Close does a best-effort channel close, reader task
// cancellation (by forcing the pipes to error out), closedCb, and
// deregistration from the parent. Idempotent.
func (s *ShellSession) Close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		_ = s.ch.Close()
		s.writeMu.Unlock()

		s.listeners.closeAll()
		s.plane.Close()

		if s.deregister != nil {
			s.deregister(s.ChannelID)
		}
	})
}

// ReadBuffer is the public read_buffer operation; maxBytes=0 uses the
// default 512 KiB ceiling.
func (s *ShellSession) ReadBuffer(cursor streamring.Cursor, maxBytes uint64) streamring.ReadResult {
	if maxBytes == 0 {
		maxBytes = streamring.DefaultReadMaxBytes
	}
	return s.plane.ReadBuffer(cursor, maxBytes)
}

// BufferStats returns the ring's byte-budget bookkeeping.
func (s *ShellSession) BufferStats() streamring.Stats { return s.plane.Stats() }

// CurrentSeq returns the newest retained chunk's seq.
func (s *ShellSession) CurrentSeq() uint64 { return s.plane.CurrentSeq() }
