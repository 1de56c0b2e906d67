package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// CommandRunner executes a shell command on a docker host.
type CommandRunner interface {
	// Run returns the command's stdout. A non-zero exit yields a *CommandError
	// together with whatever stdout was produced.
	Run(ctx context.Context, cmd string) ([]byte, error)
}

// CommandError reports a remote command that exited unsuccessfully.
type CommandError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command failed: %v: %s", e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// SSHRunner runs commands over one persistent SSH connection, redialing when
// the connection drops.
type SSHRunner struct {
	addr    string
	cfg     *ssh.ClientConfig
	timeout time.Duration
	logger  *logging.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner prepares a runner for the configured host. The connection is
// opened lazily on first use.
func NewSSHRunner(cfg *config.SSHConfig, logger *logging.Logger) (*SSHRunner, error) {
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.With("component", "ssh", "host", cfg.Host)

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		log.Warn("SSH host key verification disabled; set DOCKER_VM_HOST_SSH_KNOWN_HOSTS to enable it")
	}

	return &SSHRunner{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		cfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.Timeout,
		},
		timeout: cfg.Timeout,
		logger:  log,
	}, nil
}

// loadSigner reads the private key from base64 config, an explicit path, or
// ~/.ssh/id_rsa in that order.
func loadSigner(cfg *config.SSHConfig) (ssh.Signer, error) {
	var pemBytes []byte
	switch {
	case cfg.KeyBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(cfg.KeyBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode ssh key: %w", err)
		}
		pemBytes = decoded
	default:
		path := cfg.KeyPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to locate home directory: %w", err)
			}
			path = filepath.Join(home, ".ssh", "id_rsa")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		pemBytes = data
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	return signer, nil
}

func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	d := net.Dialer{Timeout: r.timeout}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", r.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", r.addr, err)
	}
	r.client = ssh.NewClient(c, chans, reqs)
	r.logger.Debug("SSH connection established")
	return r.client, nil
}

func (r *SSHRunner) drop(c *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == c {
		r.client.Close()
		r.client = nil
	}
}

func (r *SSHRunner) session(ctx context.Context) (*ssh.Session, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := c.NewSession()
	if err == nil {
		return sess, nil
	}

	// The cached connection is dead; redial once.
	r.drop(c)
	c, err = r.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err = c.NewSession()
	if err != nil {
		r.drop(c)
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	return sess, nil
}

// Run executes cmd in a new session. Cancelling ctx closes the session.
func (r *SSHRunner) Run(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.Bytes(), &CommandError{Cmd: cmd, Stderr: stderr.String(), Err: err}
		}
		return stdout.Bytes(), nil
	}
}

// Close closes the underlying connection, if any.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

var _ CommandRunner = (*SSHRunner)(nil)
