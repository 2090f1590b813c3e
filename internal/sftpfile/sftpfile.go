// Package sftpfile is an auxiliary file-transfer convenience layered on a
// live Connection's SSH transport: open one SFTP subsystem session per
// Client and reuse it for any number of operations.
package sftpfile

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	maxUploadBytes = 50 << 20 // 50 MB
	maxWriteBytes  = 2 << 20  // 2 MB
)

// Client wraps an SFTP session opened over an already-connected SSH client.
// It does not own the underlying ssh.Client and never closes it.
type Client struct {
	sftp *sftp.Client
}

// Open starts the SFTP subsystem on an existing SSH client.
func Open(sshClient *ssh.Client) (*Client, error) {
	c, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftpfile: open subsystem: %w", err)
	}
	return &Client{sftp: c}, nil
}

// Close releases the SFTP subsystem. The SSH client stays open.
func (c *Client) Close() error { return c.sftp.Close() }

// Entry is a single file or directory entry returned by ListDir.
type Entry struct {
	Name       string
	Type       string // "file" | "dir" | "symlink"
	Size       int64
	Mode       string
	ModifiedAt time.Time
}

func entryFrom(fi os.FileInfo) Entry {
	t := "file"
	switch {
	case fi.IsDir():
		t = "dir"
	case fi.Mode()&os.ModeSymlink != 0:
		t = "symlink"
	}
	return Entry{Name: fi.Name(), Type: t, Size: fi.Size(), Mode: fi.Mode().String(), ModifiedAt: fi.ModTime().UTC()}
}

// ListDir returns every entry (including dot-files) under dirPath.
func (c *Client) ListDir(dirPath string) ([]Entry, error) {
	infos, err := c.sftp.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("sftpfile: readdir %q: %w", dirPath, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		full := path.Join(dirPath, fi.Name())
		if lfi, lerr := c.sftp.Lstat(full); lerr == nil {
			fi = lfi
		}
		entries = append(entries, entryFrom(fi))
	}
	return entries, nil
}

// Download streams the remote file to dst.
func (c *Client) Download(remotePath string, dst io.Writer) error {
	f, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("sftpfile: open %q: %w", remotePath, err)
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

// Upload writes src to remotePath, rejecting anything over maxUploadBytes.
func (c *Client) Upload(remotePath string, src io.Reader) error {
	limited := io.LimitReader(src, maxUploadBytes+1)
	f, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftpfile: create %q: %w", remotePath, err)
	}
	defer f.Close()

	n, err := io.Copy(f, limited)
	if err != nil {
		_ = c.sftp.Remove(remotePath)
		return fmt.Errorf("sftpfile: write %q: %w", remotePath, err)
	}
	if n > maxUploadBytes {
		_ = c.sftp.Remove(remotePath)
		return fmt.Errorf("sftpfile: upload exceeds %d bytes limit", maxUploadBytes)
	}
	return nil
}

// ReadFile reads up to maxBytes of a remote file.
func (c *Client) ReadFile(remotePath string, maxBytes int64) ([]byte, error) {
	f, err := c.sftp.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sftpfile: open %q: %w", remotePath, err)
	}
	defer f.Close()

	limited := io.LimitReader(f, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("sftpfile: read %q: %w", remotePath, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("sftpfile: file %q exceeds %d bytes limit", remotePath, maxBytes)
	}
	return data, nil
}

// WriteFile creates or truncates remotePath with content, up to maxWriteBytes.
func (c *Client) WriteFile(remotePath string, content []byte) error {
	if int64(len(content)) > maxWriteBytes {
		return fmt.Errorf("sftpfile: content exceeds %d bytes limit", maxWriteBytes)
	}
	f, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftpfile: create %q: %w", remotePath, err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("sftpfile: write %q: %w", remotePath, err)
	}
	return nil
}

// Mkdir creates one directory level (no intermediate directories).
func (c *Client) Mkdir(remotePath string) error {
	if err := c.sftp.Mkdir(remotePath); err != nil {
		return fmt.Errorf("sftpfile: mkdir %q: %w", remotePath, err)
	}
	return nil
}

// Rename moves/renames from→to.
func (c *Client) Rename(from, to string) error {
	if err := c.sftp.Rename(from, to); err != nil {
		return fmt.Errorf("sftpfile: rename %q -> %q: %w", from, to, err)
	}
	return nil
}

// Delete removes a file, symlink, or empty directory.
func (c *Client) Delete(remotePath string) error {
	fi, err := c.sftp.Lstat(remotePath)
	if err != nil {
		return fmt.Errorf("sftpfile: stat %q: %w", remotePath, err)
	}
	if fi.IsDir() {
		if err := c.sftp.RemoveDirectory(remotePath); err != nil {
			return fmt.Errorf("sftpfile: rmdir %q: %w", remotePath, err)
		}
		return nil
	}
	if err := c.sftp.Remove(remotePath); err != nil {
		return fmt.Errorf("sftpfile: remove %q: %w", remotePath, err)
	}
	return nil
}

// Stat returns metadata, including numeric uid/gid when the server reports them.
func (c *Client) Stat(remotePath string) (Entry, int, int, error) {
	fi, err := c.sftp.Stat(remotePath)
	if err != nil {
		return Entry{}, 0, 0, fmt.Errorf("sftpfile: stat %q: %w", remotePath, err)
	}
	entry := entryFrom(fi)
	uid, gid := 0, 0
	if sys, ok := fi.Sys().(*sftp.FileStat); ok {
		uid, gid = int(sys.UID), int(sys.GID)
	}
	return entry, uid, gid, nil
}

// Chmod updates a remote file's permission bits.
func (c *Client) Chmod(remotePath string, mode os.FileMode) error {
	if err := c.sftp.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("sftpfile: chmod %q: %w", remotePath, err)
	}
	return nil
}

// Chown updates a remote file's numeric owner/group.
func (c *Client) Chown(remotePath string, uid, gid int) error {
	if err := c.sftp.Chown(remotePath, uid, gid); err != nil {
		return fmt.Errorf("sftpfile: chown %q: %w", remotePath, err)
	}
	return nil
}
