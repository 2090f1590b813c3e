// Package sshtest is an in-process gliderlabs/ssh fixture server used by
// the connection and shell packages' tests in place of a real sshd.
package sshtest

import (
	"crypto/rand"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

// Config describes one fixture server's auth and session behavior.
type Config struct {
	Password string // accepted password; empty disables password auth
	Echo     bool   // true: cat stdin back to stdout once a PTY is requested
	ExitCode int    // non-PTY sessions exit immediately with this code
	SFTP     bool   // true: serve an "sftp" subsystem backed by pkg/sftp's server
}

// Server is a minimal loopback SSH server for tests.
type Server struct {
	inner    *ssh.Server
	listener net.Listener
}

// Start binds a loopback listener on an ephemeral port and begins serving.
func Start(cfg Config) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signer from host key: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	srv := &ssh.Server{
		Handler: func(s ssh.Session) {
			if cfg.Echo {
				if _, _, isPty := s.Pty(); isPty {
					io.Copy(s, s) //nolint:errcheck
					return
				}
			}
			s.Exit(cfg.ExitCode) //nolint:errcheck
		},
		HostSigners: []ssh.Signer{signer},
	}
	if cfg.SFTP {
		srv.SubsystemHandlers = map[string]ssh.SubsystemHandler{
			"sftp": func(s ssh.Session) {
				server, err := sftp.NewServer(s)
				if err != nil {
					return
				}
				defer server.Close()
				server.Serve() //nolint:errcheck
			},
		}
	}
	if cfg.Password != "" {
		srv.PasswordHandler = func(ctx ssh.Context, password string) bool {
			return password == cfg.Password
		}
	} else {
		srv.PasswordHandler = func(ctx ssh.Context, password string) bool { return true }
	}

	s := &Server{inner: srv, listener: ln}
	go srv.Serve(ln) //nolint:errcheck

	return s, nil
}

// Addr returns "host:port" for the listening fixture.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Host and Port split Addr for callers that want ConnectOptions fields.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	var p int
	fmt.Sscanf(port, "%d", &p)
	return p
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}
