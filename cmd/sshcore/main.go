// Command sshcore is a terminal client over the connection/shell core:
// generate or validate keys, or open an interactive shell against a host.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/mobilessh/sshcore/internal/bridge"
	"github.com/mobilessh/sshcore/internal/config"
	"github.com/mobilessh/sshcore/internal/connection"
	"github.com/mobilessh/sshcore/internal/profile"
	"github.com/mobilessh/sshcore/internal/sftpfile"
	"github.com/mobilessh/sshcore/internal/shell"
	"github.com/mobilessh/sshcore/internal/sshkey"
	"github.com/mobilessh/sshcore/internal/streamring"
)

func main() {
	root := &cobra.Command{
		Use:   "sshcore",
		Short: "Mobile-oriented SSH client core",
	}
	root.AddCommand(newKeygenCmd(), newConnectCmd(), newServeCmd(), newProfileCmd(), newSftpCmd(), newBridgeCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

// newServeCmd resolves every setting from flags with SSHCORE_-prefixed
// environment-variable fallback, for scripted/unattended invocations (a
// unit file, a supervisor) rather than an interactive terminal.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "serve",
		Short:              "Open a shell using SSHCORE_-prefixed env vars (or flags) for every setting",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args)
			if err != nil {
				return err
			}

			creds := connection.Credentials{Password: cfg.SecretPath}
			if cfg.AuthType == "key" {
				keyBytes, err := os.ReadFile(cfg.SecretPath)
				if err != nil {
					return err
				}
				creds = connection.Credentials{PrivateKey: string(keyBytes)}
			}

			return runInteractive(cfg.Host, cfg.Port, cfg.User, creds, cfg.StartShellOptions())
		},
	}
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var keyType, comment, out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an OpenSSH private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			kt, err := parseKeyType(keyType)
			if err != nil {
				return err
			}
			pem, err := sshkey.GenerateKeyPair(kt, comment)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Print(pem)
				return nil
			}
			return os.WriteFile(out, []byte(pem), 0o600)
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "ed25519", "rsa, ecdsa, or ed25519")
	cmd.Flags().StringVar(&comment, "comment", "", "key comment")
	cmd.Flags().StringVar(&out, "out", "", "output path (default: stdout)")
	return cmd
}

func parseKeyType(s string) (sshkey.KeyType, error) {
	switch s {
	case "rsa":
		return sshkey.Rsa, nil
	case "ecdsa":
		return sshkey.Ecdsa, nil
	case "ed25519":
		return sshkey.Ed25519, nil
	case "ed448":
		return sshkey.Ed448, nil
	}
	return 0, fmt.Errorf("unknown key type %q", s)
}

// dialFlags is the set of flags shared by every subcommand that opens its
// own SSH connection (connect, sftp, bridge): either --profile names a
// saved profile to load, or --host/--user/--password/--key are given
// directly. --save-as additionally persists the resolved target+credentials
// under that profile name, encrypting the secret with internal/crypto.
type dialFlags struct {
	host, user, password, keyPath string
	port                          int
	profileName, saveAs           string
}

// register adds the dial flags as persistent flags, so a parent command
// (e.g. sftp) shares one flag set across all of its subcommands.
func (f *dialFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.host, "host", "", "remote host")
	cmd.PersistentFlags().IntVar(&f.port, "port", 22, "remote port")
	cmd.PersistentFlags().StringVar(&f.user, "user", "", "remote user")
	cmd.PersistentFlags().StringVar(&f.password, "password", "", "password auth")
	cmd.PersistentFlags().StringVar(&f.keyPath, "key", "", "private key file path")
	cmd.PersistentFlags().StringVar(&f.profileName, "profile", "", "load host/user/credentials from a saved profile instead of the flags above")
	cmd.PersistentFlags().StringVar(&f.saveAs, "save-as", "", "save the resolved target+credentials as a profile under this name")
}

// resolve returns the dial target and credentials, loading them from a
// saved profile when --profile is set, then saving under --save-as if
// requested.
func (f *dialFlags) resolve() (host string, port int, user string, creds connection.Credentials, err error) {
	host, port, user = f.host, f.port, f.user
	password, privateKey := f.password, ""

	if f.profileName != "" {
		var pHost, pUser, pPassword, pKey string
		var pPort int
		pHost, pPort, pUser, pPassword, pKey, err = profile.Load(f.profileName)
		if err != nil {
			return "", 0, "", connection.Credentials{}, err
		}
		host, port, user, password, privateKey = pHost, pPort, pUser, pPassword, pKey
	} else if f.keyPath != "" {
		keyBytes, rerr := os.ReadFile(f.keyPath)
		if rerr != nil {
			return "", 0, "", connection.Credentials{}, rerr
		}
		privateKey = string(keyBytes)
	}

	if f.saveAs != "" {
		if err := profile.Save(f.saveAs, host, port, user, password, privateKey); err != nil {
			return "", 0, "", connection.Credentials{}, err
		}
	}

	return host, port, user, connection.Credentials{Password: password, PrivateKey: privateKey}, nil
}

func newConnectCmd() *cobra.Command {
	var flags dialFlags
	var useTmux bool
	var tmuxSession string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive shell over SSH",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, user, creds, err := flags.resolve()
			if err != nil {
				return err
			}
			return runInteractive(host, port, user, creds, shell.StartShellOptions{
				UseTmux:         useTmux,
				TmuxSessionName: tmuxSession,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&useTmux, "use-tmux", false, "attach a tmux session instead of a login shell")
	cmd.Flags().StringVar(&tmuxSession, "tmux-session", "", "tmux session name")
	return cmd
}

// newProfileCmd manages saved connection profiles: internal/profile
// persists them to disk with secrets encrypted via internal/crypto.
func newProfileCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "profile",
		Short: "Save or load connection profiles",
	}

	var saveHost, saveUser, savePassword, saveKeyPath string
	var savePort int
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Encrypt and save a connection profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey := ""
			if saveKeyPath != "" {
				keyBytes, err := os.ReadFile(saveKeyPath)
				if err != nil {
					return err
				}
				privateKey = string(keyBytes)
			}
			return profile.Save(args[0], saveHost, savePort, saveUser, savePassword, privateKey)
		},
	}
	save.Flags().StringVar(&saveHost, "host", "", "remote host")
	save.Flags().IntVar(&savePort, "port", 22, "remote port")
	save.Flags().StringVar(&saveUser, "user", "", "remote user")
	save.Flags().StringVar(&savePassword, "password", "", "password auth")
	save.Flags().StringVar(&saveKeyPath, "key", "", "private key file path")
	save.MarkFlagRequired("host")
	save.MarkFlagRequired("user")

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Decrypt and print a saved profile's target (not its secret)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, user, _, privateKey, err := profile.Load(args[0])
			if err != nil {
				return err
			}
			authType := "password"
			if privateKey != "" {
				authType = "key"
			}
			fmt.Printf("%s@%s:%d (%s auth)\n", user, host, port, authType)
			return nil
		},
	}

	root.AddCommand(save, show)
	return root
}

func promptServerKey(info connection.ServerPublicKeyInfo) bool {
	fmt.Fprintf(os.Stderr, "server key %s %s — accept? [y/N] ", info.Algorithm, info.FingerprintSHA256)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return line == "y\n" || line == "yes\n"
}

func runInteractive(host string, port int, user string, creds connection.Credentials, startOpts shell.StartShellOptions) error {
	conn, err := connection.Connect(context.Background(), connection.ConnectOptions{
		Host:        host,
		Port:        port,
		User:        user,
		Credentials: creds,
		ServerKey:   connection.ServerKeyCallbackFunc(promptServerKey),
	})
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	sess, err := conn.StartShell(startOpts)
	if err != nil {
		return err
	}

	sess.AddListener(shell.ListenerFunc(func(ev shell.ShellEvent) {
		if ce, ok := ev.(shell.ChunkEvent); ok {
			os.Stdout.Write(ce.Chunk.Bytes)
		}
	}), shell.AddListenerOptions{Cursor: streamring.LiveCursor()})

	stats := sess.BufferStats()
	log.Printf("ring capacity %s, used %s", humanize.IBytes(stats.CapacityBytes), humanize.IBytes(stats.UsedBytes))

	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := sess.SendData(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// dial opens an SSH connection for subcommands (sftp, bridge) that need the
// raw transport rather than an interactive shell.
func dial(host string, port int, user string, creds connection.Credentials) (*connection.Connection, error) {
	return connection.Connect(context.Background(), connection.ConnectOptions{
		Host:        host,
		Port:        port,
		User:        user,
		Credentials: creds,
		ServerKey:   connection.ServerKeyCallbackFunc(promptServerKey),
	})
}

// newSftpCmd wires internal/sftpfile to a live connection's SSH transport
// via Connection.SSHClient, for one-shot file operations.
func newSftpCmd() *cobra.Command {
	var flags dialFlags
	root := &cobra.Command{
		Use:   "sftp",
		Short: "Run a single SFTP operation over a fresh SSH connection",
	}

	openClient := func() (*connection.Connection, *sftpfile.Client, error) {
		host, port, user, creds, err := flags.resolve()
		if err != nil {
			return nil, nil, err
		}
		conn, err := dial(host, port, user, creds)
		if err != nil {
			return nil, nil, err
		}
		client, err := sftpfile.Open(conn.SSHClient())
		if err != nil {
			conn.Disconnect()
			return nil, nil, err
		}
		return conn, client, nil
	}

	ls := &cobra.Command{
		Use:   "ls <remote-dir>",
		Short: "List a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, client, err := openClient()
			if err != nil {
				return err
			}
			defer conn.Disconnect()
			defer client.Close()

			entries, err := client.ListDir(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%-5s %10d  %s\n", e.Type, e.Size, e.Name)
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <remote-path> <local-path>",
		Short: "Download a remote file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, client, err := openClient()
			if err != nil {
				return err
			}
			defer conn.Disconnect()
			defer client.Close()

			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			return client.Download(args[0], f)
		},
	}

	put := &cobra.Command{
		Use:   "put <local-path> <remote-path>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, client, err := openClient()
			if err != nil {
				return err
			}
			defer conn.Disconnect()
			defer client.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return client.Upload(args[1], f)
		},
	}

	flags.register(root)
	root.AddCommand(ls, get, put)
	return root
}

// newBridgeCmd serves one SSH connection's shells over WebSocket, one
// socket per shell, using internal/bridge to relay terminal bytes and
// resize control messages in both directions.
func newBridgeCmd() *cobra.Command {
	var flags dialFlags
	var listen string
	var useTmux bool
	var tmuxSession string

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve shells over WebSocket, one socket per connecting client",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, user, creds, err := flags.resolve()
			if err != nil {
				return err
			}
			conn, err := dial(host, port, user, creds)
			if err != nil {
				return err
			}
			defer conn.Disconnect()

			upgrader := websocket.Upgrader{
				ReadBufferSize:  4096,
				WriteBufferSize: 4096,
				CheckOrigin:     func(r *http.Request) bool { return true },
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/shell", func(w http.ResponseWriter, r *http.Request) {
				wsConn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					log.Printf("[bridge] upgrade: %v", err)
					return
				}
				defer wsConn.Close()

				sess, err := conn.StartShell(shell.StartShellOptions{UseTmux: useTmux, TmuxSessionName: tmuxSession})
				if err != nil {
					log.Printf("[bridge] start shell: %v", err)
					return
				}
				defer sess.Close()

				if err := bridge.Serve(wsConn, sess); err != nil {
					log.Printf("[bridge] session ended: %v", err)
				}
			})

			log.Printf("[bridge] listening on %s (ws://%s/shell)", listen, listen)
			return http.ListenAndServe(listen, mux)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8022", "address to serve WebSocket connections on")
	cmd.Flags().BoolVar(&useTmux, "use-tmux", false, "attach a tmux session instead of a login shell")
	cmd.Flags().StringVar(&tmuxSession, "tmux-session", "", "tmux session name")
	return cmd
}
