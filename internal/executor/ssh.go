package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/msageha/fleetguard/internal/model"
)

const defaultSSHPort = 22

// SSH runs each command in its own session on one connection per Run.
type SSH struct {
	user        string
	port        int
	auth        []ssh.AuthMethod
	hostKeys    ssh.HostKeyCallback
	dialTimeout time.Duration
}

// NewSSH builds an SSH executor. Host keys are always verified against
// KnownHostsPath.
func NewSSH(cfg model.SSHConfig) (*SSH, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh: user is required")
	}
	if cfg.KeyPath == "" {
		return nil, errors.New("ssh: key_path is required")
	}
	if cfg.KnownHostsPath == "" {
		return nil, errors.New("ssh: known_hosts_path is required")
	}
	pem, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("ssh: parse key: %w", err)
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: known hosts: %w", err)
	}
	return newSSH(cfg, []ssh.AuthMethod{ssh.PublicKeys(signer)}, hostKeys), nil
}

func newSSH(cfg model.SSHConfig, auth []ssh.AuthMethod, hostKeys ssh.HostKeyCallback) *SSH {
	s := &SSH{
		user:        cfg.User,
		port:        cfg.Port,
		auth:        auth,
		hostKeys:    hostKeys,
		dialTimeout: time.Duration(cfg.DialTimeoutSec) * time.Second,
	}
	if s.port == 0 {
		s.port = defaultSSHPort
	}
	if s.dialTimeout == 0 {
		s.dialTimeout = 10 * time.Second
	}
	return s
}

func (s *SSH) addr(h *model.Host) string {
	if _, _, err := net.SplitHostPort(h.Address); err == nil {
		return h.Address
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(s.port))
}

func (s *SSH) dial(ctx context.Context, h *model.Host) (*ssh.Client, error) {
	addr := s.addr(h)
	d := net.Dialer{Timeout: s.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	cfg := &ssh.ClientConfig{
		User:            s.user,
		Auth:            s.auth,
		HostKeyCallback: s.hostKeys,
		Timeout:         s.dialTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSH) Run(ctx context.Context, req Request) (Result, error) {
	client, err := s.dial(ctx, req.Host)
	if err != nil {
		return Result{FailedIndex: 0}, err
	}
	defer client.Close()
	return runAll(ctx, req, func(ctx context.Context, cmd string, out *BoundedBuffer) error {
		return runSession(ctx, client, cmd, out)
	})
}

func runSession(ctx context.Context, client *ssh.Client, cmd string, out *BoundedBuffer) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	sess.Stdout = out
	sess.Stderr = out
	if err := sess.Start(cmd); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return ctx.Err()
	}
}
