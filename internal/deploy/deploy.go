// Package deploy pushes the credentials document to a remote proxy host over
// SSH. The usual shape is a workstation that can run interactive OAuth flows
// feeding a headless proxy box that cannot: the workstation keeps tokens
// fresh locally and pushes the file; the remote watcher picks it up.
package deploy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Options configures the SSH connection and the remote destination.
type Options struct {
	// User is the SSH login name. Defaults to $USER.
	User string

	// Port is the SSH port. Default: 22.
	Port int

	// KeyPath is an explicit private key to try before the default keys.
	KeyPath string

	// RemotePath is where the credentials document lands on the host.
	RemotePath string

	// Timeout for connection establishment. Default: 10s.
	Timeout time.Duration

	// UseAgent enables ssh-agent authentication. Default: true.
	UseAgent bool

	// SkipHostKeyCheck disables host key verification (insecure, for testing only).
	SkipHostKeyCheck bool

	// KnownHostsPath overrides ~/.ssh/known_hosts.
	KnownHostsPath string

	Logger *slog.Logger
}

// DefaultOptions returns the default push options.
func DefaultOptions() Options {
	return Options{
		Port:     22,
		Timeout:  10 * time.Second,
		UseAgent: true,
	}
}

// Error represents a failure in one push step.
type Error struct {
	Host       string
	Operation  string
	Underlying error
}

func (e *Error) Error() string {
	return fmt.Sprintf("push to %s failed during %s: %v", e.Host, e.Operation, e.Underlying)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Client wraps an SSH connection with SFTP support.
type Client struct {
	host   string
	opts   Options
	ssh    *ssh.Client
	sftp   *sftp.Client
	logger *slog.Logger
}

// Push uploads the credentials document at localPath to host. The remote
// destination is opts.RemotePath. The file is checked to be non-empty
// before any connection is made.
func Push(host, localPath string, opts Options) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &Error{Host: host, Operation: "read local", Underlying: err}
	}
	if len(data) == 0 {
		return &Error{Host: host, Operation: "read local", Underlying: fmt.Errorf("%s is empty", localPath)}
	}
	if opts.RemotePath == "" {
		return &Error{Host: host, Operation: "configure", Underlying: errors.New("no remote path configured")}
	}

	client, err := Dial(host, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Upload(data, opts.RemotePath)
}

// Dial connects to host and opens an SFTP session.
func Dial(host string, opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authMethods := buildAuthMethods(opts)
	if len(authMethods) == 0 {
		return nil, &Error{Host: host, Operation: "auth", Underlying: errors.New("no authentication methods available")}
	}

	user := opts.User
	if user == "" {
		user = os.Getenv("USER")
		if user == "" {
			user = os.Getenv("USERNAME") // Windows
		}
	}

	hostKeys, err := hostKeyCallback(opts, logger)
	if err != nil {
		return nil, &Error{Host: host, Operation: "hostkey", Underlying: err}
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeys,
		Timeout:         opts.Timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(opts.Port))
	sshClient, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, &Error{Host: host, Operation: "connect", Underlying: err}
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &Error{Host: host, Operation: "sftp", Underlying: err}
	}

	return &Client{
		host:   host,
		opts:   opts,
		ssh:    sshClient,
		sftp:   sftpClient,
		logger: logger,
	}, nil
}

// Close tears down the SFTP session and the SSH connection.
func (c *Client) Close() error {
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	if c.ssh != nil {
		err := c.ssh.Close()
		c.ssh = nil
		return err
	}
	return nil
}

// Upload writes data to remotePath atomically: temp file, chmod 0600,
// rename. The final size is checked against what was sent.
func (c *Client) Upload(data []byte, remotePath string) error {
	dir := path.Dir(remotePath)
	tmpPath := path.Join(dir, fmt.Sprintf(".crp_push_%s", randomSuffix(8)))

	// Directory might already exist; Create reports the real problem if not.
	_ = c.sftp.MkdirAll(dir)

	f, err := c.sftp.Create(tmpPath)
	if err != nil {
		return &Error{Host: c.host, Operation: "create", Underlying: err}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		c.sftp.Remove(tmpPath)
		return &Error{Host: c.host, Operation: "write", Underlying: err}
	}
	if err := f.Close(); err != nil {
		c.sftp.Remove(tmpPath)
		return &Error{Host: c.host, Operation: "write", Underlying: err}
	}

	// Credentials go owner-only before the file reaches its final name.
	if err := c.sftp.Chmod(tmpPath, 0600); err != nil {
		c.sftp.Remove(tmpPath)
		return &Error{Host: c.host, Operation: "chmod", Underlying: err}
	}

	// PosixRename overwrites an existing document; plain Rename is the
	// fallback for servers without the extension.
	if err := c.sftp.PosixRename(tmpPath, remotePath); err != nil {
		c.sftp.Remove(remotePath)
		if err := c.sftp.Rename(tmpPath, remotePath); err != nil {
			c.sftp.Remove(tmpPath)
			return &Error{Host: c.host, Operation: "rename", Underlying: err}
		}
	}

	info, err := c.sftp.Stat(remotePath)
	if err != nil {
		return &Error{Host: c.host, Operation: "verify", Underlying: err}
	}
	if info.Size() != int64(len(data)) {
		return &Error{
			Host:       c.host,
			Operation:  "verify",
			Underlying: fmt.Errorf("remote size %d, sent %d", info.Size(), len(data)),
		}
	}

	c.logger.Info("credentials pushed",
		"host", c.host,
		"remote_path", remotePath,
		"bytes", len(data))
	return nil
}

// buildAuthMethods assembles SSH auth in preference order: agent, explicit
// key, then the default keys under ~/.ssh.
func buildAuthMethods(opts Options) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if opts.UseAgent {
		if agentAuth, err := sshAgentAuth(); err == nil {
			methods = append(methods, agentAuth)
		}
	}

	if opts.KeyPath != "" {
		if signer, err := loadKey(opts.KeyPath); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	for _, keyPath := range defaultKeyPaths() {
		if signer, err := loadKey(keyPath); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	return methods
}

func hostKeyCallback(opts Options, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if opts.SkipHostKeyCheck {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	knownHostsPath := opts.KnownHostsPath
	if knownHostsPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		knownHostsPath = filepath.Join(homeDir, ".ssh", "known_hosts")
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		// No known_hosts yet; first connection trusts and records.
		if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
			return nil, err
		}
		return trustOnFirstUse(nil, knownHostsPath, logger), nil
	}

	return trustOnFirstUse(callback, knownHostsPath, logger), nil
}

// trustOnFirstUse wraps a host key callback to auto-add unknown hosts. A
// changed key is still rejected.
func trustOnFirstUse(existing ssh.HostKeyCallback, knownHostsPath string, logger *slog.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if existing != nil {
			err := existing(hostname, remote, key)
			if err == nil {
				return nil
			}

			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return fmt.Errorf("host key changed for %s", hostname)
			}
		}

		if err := appendKnownHost(knownHostsPath, hostname, key); err != nil {
			logger.Warn("could not record host key", "host", hostname, "error", err)
		}
		return nil
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{hostname}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}

func sshAgentAuth() (ssh.AuthMethod, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, err
	}

	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

func loadKey(keyPath string) (ssh.Signer, error) {
	keyPath = expandPath(keyPath)
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var passErr *ssh.PassphraseMissingError
		if errors.As(err, &passErr) {
			return nil, fmt.Errorf("key %s is passphrase-protected; load it into ssh-agent", keyPath)
		}
		return nil, err
	}

	return signer, nil
}

// defaultKeyPaths returns the default SSH key paths to try.
func defaultKeyPaths() []string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	sshDir := filepath.Join(homeDir, ".ssh")
	return []string{
		filepath.Join(sshDir, "id_ed25519"),
		filepath.Join(sshDir, "id_rsa"),
		filepath.Join(sshDir, "id_ecdsa"),
	}
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// randomSuffix generates a random lowercase suffix for temp file names.
func randomSuffix(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}
