// Package connection owns the SSH transport lifecycle: dialing, handshake,
// server-key verification, authentication, keepalive, and the map of child
// shell sessions. It is the "owner" half of the non-owning back-reference
// described in the shell package.
package connection

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mobilessh/sshcore/internal/audit"
	"github.com/mobilessh/sshcore/internal/clock"
	"github.com/mobilessh/sshcore/internal/errs"
	"github.com/mobilessh/sshcore/internal/shell"
	"github.com/mobilessh/sshcore/internal/sshkey"
)

const (
	KeepaliveInterval  = 30 * time.Second
	KeepaliveMaxMissed = 3
	defaultDialTimeout = 10 * time.Second
)

// ProgressEvent is one of the two connect-phase milestones a caller can
// subscribe to.
type ProgressEvent int

const (
	TcpConnected ProgressEvent = iota
	SshHandshake
)

// ConnectProgressListener receives connect-phase milestones.
type ConnectProgressListener interface {
	OnConnectProgress(event ProgressEvent)
}

// DisconnectedListener is invoked once when a Connection tears down, whether
// by explicit Disconnect or by the keepalive watchdog.
type DisconnectedListener interface {
	OnDisconnected(connectionID string)
}

// ServerPublicKeyInfo is what a ServerKeyCallback is asked to approve.
type ServerPublicKeyInfo struct {
	Host              string
	Port              int
	RemoteIP          string
	Algorithm         string
	FingerprintSHA256 string
	KeyBase64         string
}

// ServerKeyCallback decides whether to trust a server's host key. It is
// asked once per handshake; returning false aborts the connect.
type ServerKeyCallback interface {
	Verify(info ServerPublicKeyInfo) bool
}

// ServerKeyCallbackFunc adapts a plain function to ServerKeyCallback.
type ServerKeyCallbackFunc func(info ServerPublicKeyInfo) bool

func (f ServerKeyCallbackFunc) Verify(info ServerPublicKeyInfo) bool { return f(info) }

// Credentials carries exactly one authentication method: a password, or the
// text of a private key normalized per the key package.
type Credentials struct {
	Password   string
	PrivateKey string
}

func (c Credentials) authMethod() (ssh.AuthMethod, error) {
	if c.PrivateKey != "" {
		norm, err := sshkey.Normalize(c.PrivateKey)
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(norm.Signer), nil
	}
	if c.Password != "" {
		return ssh.Password(c.Password), nil
	}
	return nil, errs.NewAuthError("no credentials supplied")
}

// ConnectOptions configures connect().
type ConnectOptions struct {
	Host        string
	Port        int
	User        string
	LocalPort   int // 0: derive from the dialed socket's local address
	Credentials Credentials
	ServerKey   ServerKeyCallback
	Progress    ConnectProgressListener
	Disconnected DisconnectedListener
	DialTimeout time.Duration
}

// Connection owns one SSH transport and the shell sessions opened over it.
type Connection struct {
	ConnectionID  string
	Host          string
	User          string
	Port          int
	LocalPort     int
	CreatedAtMs   float64
	ConnectedAtMs float64

	clientMu sync.Mutex
	client   *ssh.Client

	shellsMu sync.Mutex
	shells   map[string]*shell.ShellSession

	disconnectedCb DisconnectedListener
	disconnectOnce sync.Once
	keepaliveDone  chan struct{}
}

// Connect dials the remote host over TCP, performs the SSH handshake with
// a server-key callback, authenticates, and assembles the connection id.
func Connect(ctx context.Context, opts ConnectOptions) (*Connection, error) {
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.NewTransportError(fmt.Sprintf("tcp dial %s: %v", addr, err))
	}

	if opts.Progress != nil {
		opts.Progress.OnConnectProgress(TcpConnected)
	}

	authMethod, err := opts.Credentials.authMethod()
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: serverKeyCallback(opts.Host, opts.Port, opts.ServerKey),
		Timeout:         timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		audit.Write(audit.Entry{Action: "connection.connect", Status: audit.StatusFailed, Detail: map[string]any{"error": err.Error()}})
		return nil, errs.NewAuthError(err.Error())
	}

	if opts.Progress != nil {
		opts.Progress.OnConnectProgress(SshHandshake)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	localPort := opts.LocalPort
	if localPort == 0 {
		if tcpAddr, ok := netConn.LocalAddr().(*net.TCPAddr); ok {
			localPort = tcpAddr.Port
		}
	}

	now := clock.NowMs()
	c := &Connection{
		ConnectionID:   fmt.Sprintf("%s@%s:%d:%d", opts.User, opts.Host, opts.Port, localPort),
		Host:           opts.Host,
		User:           opts.User,
		Port:           opts.Port,
		LocalPort:      localPort,
		CreatedAtMs:    now,
		ConnectedAtMs:  now,
		client:         client,
		shells:         map[string]*shell.ShellSession{},
		disconnectedCb: opts.Disconnected,
		keepaliveDone:  make(chan struct{}),
	}

	go c.runKeepalive(client)

	audit.Write(audit.Entry{ConnectionID: c.ConnectionID, Action: "connection.connect", Status: audit.StatusSuccess})

	return c, nil
}

// serverKeyCallback adapts a ServerKeyCallback to golang.org/x/crypto/ssh's
// HostKeyCallback, building a ServerPublicKeyInfo for it to approve.
func serverKeyCallback(host string, port int, cb ServerKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if cb == nil {
			return fmt.Errorf("no server key callback configured")
		}
		info := ServerPublicKeyInfo{
			Host:              host,
			Port:              port,
			RemoteIP:          remote.String(),
			Algorithm:         key.Type(),
			FingerprintSHA256: ssh.FingerprintSHA256(key),
			KeyBase64:         base64.StdEncoding.EncodeToString(key.Marshal()),
		}
		if cb.Verify(info) {
			return nil
		}
		return fmt.Errorf("server key rejected by caller")
	}
}

// KnownHostsCallback builds a ServerKeyCallback backed by an OpenSSH
// known_hosts file: a key already recorded there is trusted without
// prompting; an unrecorded or changed key falls back to asking cb (if any).
func KnownHostsCallback(path string, fallback ServerKeyCallback) (ServerKeyCallback, error) {
	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, errs.NewTransportError(fmt.Sprintf("load known_hosts: %v", err))
	}
	return ServerKeyCallbackFunc(func(info ServerPublicKeyInfo) bool {
		keyBytes, err := base64.StdEncoding.DecodeString(info.KeyBase64)
		if err != nil {
			return false
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			return false
		}
		addr := &net.TCPAddr{IP: net.ParseIP(info.RemoteIP), Port: info.Port}
		if err := verify(fmt.Sprintf("%s:%d", info.Host, info.Port), addr, pubKey); err == nil {
			return true
		}
		if fallback != nil {
			return fallback.Verify(info)
		}
		return false
	}), nil
}

// runKeepalive sends a global "keepalive@openssh.com" request
// every KeepaliveInterval; KeepaliveMaxMissed consecutive failures trigger
// an internal disconnect.
func (c *Connection) runKeepalive(client *ssh.Client) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.keepaliveDone:
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				missed++
				if missed >= KeepaliveMaxMissed {
					c.disconnect(errs.NewTransportError("keepalive timeout"))
					return
				}
				continue
			}
			missed = 0
		}
	}
}

// StartShell implements Connection.start_shell: open a channel over the
// live client and register the resulting session under its channel id.
func (c *Connection) StartShell(opts shell.StartShellOptions) (*shell.ShellSession, error) {
	c.clientMu.Lock()
	client := c.client
	c.clientMu.Unlock()
	if client == nil {
		return nil, errs.Disconnected{}
	}

	channelID := uuid.NewString()
	sess, err := shell.NewShellSession(client, channelID, c.ConnectionID, opts, shellClosedAdapter{c}, c.removeShell)
	if err != nil {
		audit.Write(audit.Entry{ConnectionID: c.ConnectionID, ChannelID: channelID, Action: "shell.start", Status: audit.StatusFailed, Detail: map[string]any{"error": err.Error()}})
		if errs.IsTmuxAttachFailed(err) {
			c.disconnect(err)
		}
		return nil, err
	}

	c.shellsMu.Lock()
	c.shells[channelID] = sess
	c.shellsMu.Unlock()

	audit.Write(audit.Entry{ConnectionID: c.ConnectionID, ChannelID: channelID, Action: "shell.start", Status: audit.StatusSuccess})

	return sess, nil
}

func (c *Connection) removeShell(channelID string) {
	c.shellsMu.Lock()
	delete(c.shells, channelID)
	c.shellsMu.Unlock()
}

// shellClosedAdapter satisfies shell.ClosedCallback without exposing
// Connection's full method set to the shell package.
type shellClosedAdapter struct{ c *Connection }

func (a shellClosedAdapter) OnShellClosed(channelID string) { a.c.removeShell(channelID) }

// Disconnect is idempotent: it closes every open
// shell, tears down the transport, and notifies the caller.
func (c *Connection) Disconnect() {
	c.disconnect(nil)
}

func (c *Connection) disconnect(cause error) {
	c.disconnectOnce.Do(func() {
		close(c.keepaliveDone)

		c.shellsMu.Lock()
		snapshot := make([]*shell.ShellSession, 0, len(c.shells))
		for _, s := range c.shells {
			snapshot = append(snapshot, s)
		}
		c.shells = map[string]*shell.ShellSession{}
		c.shellsMu.Unlock()

		for _, s := range snapshot {
			s.Close()
		}

		c.clientMu.Lock()
		client := c.client
		c.client = nil
		c.clientMu.Unlock()
		if client != nil {
			_, _, _ = client.SendRequest("bye", false, nil)
			_ = client.Close()
		}

		status := audit.StatusSuccess
		detail := map[string]any{}
		if cause != nil {
			log.Printf("[connection] %s disconnected: %v", c.ConnectionID, cause)
			status = audit.StatusFailed
			detail["cause"] = cause.Error()
		}
		audit.Write(audit.Entry{ConnectionID: c.ConnectionID, Action: "connection.disconnect", Status: status, Detail: detail})

		if c.disconnectedCb != nil {
			c.disconnectedCb.OnDisconnected(c.ConnectionID)
		}
	})
}

// Shells returns a snapshot of the currently registered channel ids, for
// diagnostics and tests.
func (c *Connection) Shells() []string {
	c.shellsMu.Lock()
	defer c.shellsMu.Unlock()
	ids := make([]string, 0, len(c.shells))
	for id := range c.shells {
		ids = append(ids, id)
	}
	return ids
}

// SSHClient returns the live transport backing this connection, for
// auxiliary features layered on top of it (e.g. internal/sftpfile). It
// returns nil once the connection has been disconnected.
func (c *Connection) SSHClient() *ssh.Client {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	return c.client
}
