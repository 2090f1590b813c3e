package shell

import (
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// ptyChannel adapts a local PTY-backed subprocess to the channel interface,
// so the reader task and probe can be exercised against a real PTY and a
// real process exit status instead of the io.Pipe-based fakeChannel.
type ptyChannel struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func startPtyChannel(shellCmd string) (*ptyChannel, error) {
	cmd := exec.Command("bash", "-c", shellCmd)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return &ptyChannel{cmd: cmd, ptmx: ptmx}, nil
}

func (c *ptyChannel) Read(p []byte) (int, error)  { return c.ptmx.Read(p) }
func (c *ptyChannel) Write(p []byte) (int, error) { return c.ptmx.Write(p) }

// Stderr is nil: a PTY multiplexes stdout and stderr onto one fd, so the
// reader task's second pump goroutine has nothing to read from.
func (c *ptyChannel) Stderr() io.Reader { return nil }

func (c *ptyChannel) WindowChange(cols, rows, pixelWidth, pixelHeight int) error {
	return pty.Setsize(c.ptmx, &pty.Winsize{
		Rows: uint16(rows), Cols: uint16(cols),
		X: uint16(pixelWidth), Y: uint16(pixelHeight),
	})
}

func (c *ptyChannel) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.ptmx.Close()
}

func (c *ptyChannel) Wait() error { return c.cmd.Wait() }
