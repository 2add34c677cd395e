package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig carries the controller-side credentials for reaching nodes.
type SSHConfig struct {
	User           string
	PrivateKeyFile string
	Passphrase     string
	Password       string
	KnownHostsPath string
	Insecure       bool // skip host key verification, explicit opt-in only
	Port           int
	DialTimeout    time.Duration
}

// SSHRunner executes commands over SSH with one cached connection per
// target and a fresh session per command. A target's user and port
// override the configured defaults.
type SSHRunner struct {
	cfg SSHConfig
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHRunner validates the config and returns a runner. No connections
// are opened until the first command.
func NewSSHRunner(cfg SSHConfig, log zerolog.Logger) (*SSHRunner, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh user is required")
	}
	if cfg.PrivateKeyFile == "" && cfg.Password == "" {
		return nil, errors.New("no SSH authentication methods configured")
	}
	if cfg.KnownHostsPath == "" && !cfg.Insecure {
		return nil, errors.New("no SSH host key configured: set known_hosts path or enable insecure mode")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SSHRunner{
		cfg:     cfg,
		log:     log.With().Str("component", "ssh").Logger(),
		clients: make(map[string]*ssh.Client),
	}, nil
}

// Run executes cmd on the target.
func (r *SSHRunner) Run(ctx context.Context, target Target, cmd string) ([]byte, error) {
	sess, err := r.session(target)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		ch <- result{out, err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		// Closing the session tears down the channel and unblocks the
		// goroutine; the remote process receives EOF on its streams.
		sess.Close()
		return nil, ctx.Err()
	}
}

// Fetch copies remotePath into localPath over SFTP.
func (r *SSHRunner) Fetch(ctx context.Context, target Target, remotePath, localPath string) (int64, error) {
	client, err := r.clientFor(target)
	if err != nil {
		return 0, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sc.Close()

	src, err := sc.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return n, fmt.Errorf("failed to copy %s from %s: %w", remotePath, target.Host, err)
	}
	return n, nil
}

// Push uploads localPath to remotePath on the target.
func (r *SSHRunner) Push(ctx context.Context, target Target, localPath, remotePath string) error {
	client, err := r.clientFor(target)
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer sc.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("failed to copy to %s on %s: %w", remotePath, target.Host, err)
	}
	return nil
}

// Close drops every cached connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for host, client := range r.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.clients, host)
	}
	return firstErr
}

// session opens a fresh session, redialing once when the cached
// connection died underneath us.
func (r *SSHRunner) session(target Target) (*ssh.Session, error) {
	client, err := r.clientFor(target)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil && isTransientSSH(err) {
		r.log.Debug().Err(err).Str("host", target.Host).Msg("connection stale, redialing")
		client, rerr := r.redial(target)
		if rerr != nil {
			return nil, rerr
		}
		sess, err = client.NewSession()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	return sess, nil
}

// addr resolves the dial address and login, applying the configured
// defaults where the target leaves them unset.
func (r *SSHRunner) addr(target Target) (addr, user string) {
	port := target.Port
	if port <= 0 {
		port = r.cfg.Port
	}
	user = target.User
	if user == "" {
		user = r.cfg.User
	}
	return net.JoinHostPort(target.Host, strconv.Itoa(port)), user
}

func (r *SSHRunner) clientFor(target Target) (*ssh.Client, error) {
	addr, user := r.addr(target)
	key := user + "@" + addr

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[key]; ok {
		return client, nil
	}
	client, err := r.dial(addr, user)
	if err != nil {
		return nil, err
	}
	r.clients[key] = client
	return client, nil
}

func (r *SSHRunner) redial(target Target) (*ssh.Client, error) {
	addr, user := r.addr(target)
	key := user + "@" + addr

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[key]; ok {
		_ = old.Close()
		delete(r.clients, key)
	}
	client, err := r.dial(addr, user)
	if err != nil {
		return nil, err
	}
	r.clients[key] = client
	return client, nil
}

func (r *SSHRunner) dial(addr, user string) (*ssh.Client, error) {
	hostKeys, err := r.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	methods, err := r.authMethods()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         r.cfg.DialTimeout,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return client, nil
}

func (r *SSHRunner) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if r.cfg.KnownHostsPath != "" {
		callback, err := knownhosts.New(r.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("error parsing known_hosts file: %w", err)
		}
		return callback, nil
	}
	r.log.Warn().Msg("SSH host key verification is disabled")
	return ssh.InsecureIgnoreHostKey(), nil
}

func (r *SSHRunner) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if r.cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(r.cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("error reading private key: %w", err)
		}
		var signer ssh.Signer
		if r.cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(r.cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("error parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		methods = append(methods, ssh.Password(r.cfg.Password))
	}
	return methods, nil
}

// isTransientSSH reports errors worth one redial: the server closed the
// cached connection, not a config or auth problem.
func isTransientSSH(err error) bool {
	if err == io.EOF {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "channel open") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "use of closed network connection")
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
