package shell

import (
	"io"

	"golang.org/x/crypto/ssh"
)

// channel is the abstraction a ShellSession drives: one open SSH channel
// carrying a PTY (either a login shell or a tmux-attach exec). Tests supply
// a fake implementation so the reader task, probe, and listener state
// machine can be exercised without a real sshd.
type channel interface {
	io.Reader // stdout
	io.Writer // stdin
	Stderr() io.Reader
	WindowChange(cols, rows, pixelWidth, pixelHeight int) error
	Close() error
	// Wait blocks until the remote command exits. It returns the error
	// golang.org/x/crypto/ssh.Session.Wait would: nil on a clean zero-status
	// exit, *ssh.ExitError for a nonzero status, or another error if the
	// channel closed without an exit-status message.
	Wait() error
}

// sessionChannel adapts a golang.org/x/crypto/ssh.Session to channel.
type sessionChannel struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func newSessionChannel(sess *ssh.Session) (*sessionChannel, error) {
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, err
	}
	return &sessionChannel{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (c *sessionChannel) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sessionChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *sessionChannel) Stderr() io.Reader            { return c.stderr }
// WindowChange forwards cols/rows to the remote PTY. golang.org/x/crypto/ssh's
// Session.WindowChange takes only character rows/columns — it derives the
// wire message's pixel width/height from them internally and has no
// parameter to override that, so pixelWidth/pixelHeight cannot reach the
// transport through this library's public API and are accepted here only
// for call-site parity with ResizePty's signature.
func (c *sessionChannel) WindowChange(cols, rows, pixelWidth, pixelHeight int) error {
	return c.sess.WindowChange(rows, cols)
}
func (c *sessionChannel) Close() error {
	_ = c.stdin.Close()
	return c.sess.Close()
}
func (c *sessionChannel) Wait() error { return c.sess.Wait() }
