// Package sshd accepts SSH connections, authenticates the presented
// public key and serves one transfer engine per exec'd session channel.
//
// A connection may multiplex any number of session channels, each bound
// to its own repository and running independently. Closing the
// connection cancels every engine started under it.
package sshd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/forgelet/forgelet/pkg/auth"
	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/errors"
	"github.com/forgelet/forgelet/pkg/model"
	"github.com/forgelet/forgelet/pkg/protocol"
	"github.com/forgelet/forgelet/pkg/repos"
	"github.com/forgelet/forgelet/pkg/vcache"
)

const identityExtension = "forgelet-identity"

// ErrBadExec indicates an exec request that is not a recognized
// transfer command
var ErrBadExec = errors.New("unsupported exec command")

// Server terminates SSH transport for the transfer protocol
type Server struct {
	authn    *auth.Authenticator
	resolver *repos.Resolver
	hostKey  ssh.Signer

	cache      *vcache.Cache
	engineOpts []protocol.Option

	l *zap.Logger

	mu sync.Mutex
	ln net.Listener
}

// Option to configure the server
type Option func(*Server)

// HostKey installs the server's host key signer
func HostKey(signer ssh.Signer) Option {
	return func(s *Server) {
		s.hostKey = signer
	}
}

// Cache wires the derived-view cache invalidated by pushes
func Cache(c *vcache.Cache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// EngineOptions forwards options to every per-channel engine
func EngineOptions(opts ...protocol.Option) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// Logger overrides the default logger
func Logger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.l = l
		}
	}
}

// New creates an SSH transfer server
func New(authn *auth.Authenticator, resolver *repos.Resolver, opts ...Option) (*Server, error) {
	s := &Server{
		authn:    authn,
		resolver: resolver,
		l:        dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(s)
	}
	if s.hostKey == nil {
		return nil, errors.New("sshd: a host key is required")
	}
	return s, nil
}

// LoadHostKey parses a PEM encoded private host key
func LoadHostKey(pem []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, errors.New("sshd: parsing host key").Wrap(err)
	}
	return signer, nil
}

func (s *Server) sshConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			identity, err := s.authn.Authenticate(key)
			if err != nil {
				return nil, err
			}
			return &ssh.Permissions{
				Extensions: map[string]string{identityExtension: identity.Name},
			}, nil
		},
	}
	config.AddHostKey(s.hostKey)
	return config
}

// ListenAndServe listens on addr and serves until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled or the
// listener fails
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	config := s.sshConfig()
	s.l.Info("ssh server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn, config)
		}()
	}
}

// Addr reports the bound listener address
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.l.Debug("handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	defer sconn.Close()

	identity, ok := s.authn.Identity(sconn.Permissions.Extensions[identityExtension])
	if !ok {
		// cannot happen unless the table changed underneath us
		s.l.Error("authenticated identity vanished", zap.String("name", sconn.Permissions.Extensions[identityExtension]))
		return
	}
	s.l.Info("connection established",
		zap.String("identity", identity.Name),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	// connection teardown cancels every channel engine
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = sconn.Wait()
		cancel()
	}()
	go ssh.DiscardRequests(reqs)

	g := &errgroup.Group{}
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are served")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			s.l.Debug("channel accept failed", zap.Error(err))
			continue
		}
		g.Go(func() error {
			s.handleChannel(connCtx, identity, ch, chReqs)
			return nil
		})
	}
	_ = g.Wait()
}

// handleChannel waits for the exec request and runs one engine on the
// channel. Failures close the channel, never the connection.
func (s *Server) handleChannel(ctx context.Context, identity model.Identity, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for {
		var req *ssh.Request
		select {
		case <-ctx.Done():
			return
		case req = <-reqs:
		}
		if req == nil {
			return
		}

		switch req.Type {
		case "exec":
			var msg struct {
				Command string
			}
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			s.exitStatus(ch, s.runExec(ctx, identity, ch, msg.Command))
			return
		case "env":
			// tolerated and ignored
			_ = req.Reply(true, nil)
		default:
			// no shell, no pty, no subsystems
			_ = req.Reply(false, nil)
		}
	}
}

func (s *Server) runExec(ctx context.Context, identity model.Identity, ch ssh.Channel, command string) error {
	op, rawPath, err := parseExec(command)
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "%v\n", err)
		return err
	}
	path, err := repos.Normalize(rawPath)
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "%v\n", err)
		return err
	}

	// capability gates the channel before any protocol work begins
	capability := s.authn.Capability(identity, path)
	if capability < model.Read || (op == protocol.OpPush && capability < model.ReadWrite) {
		err := repos.ErrForbidden.WrapMsg(path)
		fmt.Fprintf(ch.Stderr(), "access denied: %s\n", path)
		s.l.Info("channel refused",
			zap.String("identity", identity.Name),
			zap.String("op", string(op)),
			zap.String("repo", path),
		)
		return err
	}

	engine := protocol.New(s.resolver, &identity,
		append([]protocol.Option{
			protocol.WithCache(s.cache),
			protocol.WithLogger(s.l),
		}, s.engineOpts...)...,
	)

	// the engine reads its command from the stream; synthesize the
	// packet the exec request implies
	var cmd bytes.Buffer
	if err := protocol.NewPktWriter(&cmd).WriteString(string(op) + " " + path + "\n"); err != nil {
		return err
	}
	rw := &channelStream{
		Reader: io.MultiReader(&cmd, ch),
		Writer: ch,
	}
	if err := engine.Run(ctx, rw); err != nil {
		s.l.Info("session failed",
			zap.String("identity", identity.Name),
			zap.String("op", string(op)),
			zap.String("repo", path),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// exitStatus reports the outcome the way exec clients expect
func (s *Server) exitStatus(ch ssh.Channel, err error) {
	status := struct {
		Status uint32
	}{}
	if err != nil {
		status.Status = 1
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
}

type channelStream struct {
	io.Reader
	io.Writer
}

// parseExec maps the two recognized exec commands to transfer ops
func parseExec(command string) (protocol.Op, string, error) {
	fields := strings.SplitN(strings.TrimSpace(command), " ", 2)
	if len(fields) != 2 {
		return "", "", ErrBadExec.WrapMsg(command)
	}
	switch fields[0] {
	case "git-upload-pack":
		return protocol.OpFetch, strings.TrimSpace(fields[1]), nil
	case "git-receive-pack":
		return protocol.OpPush, strings.TrimSpace(fields[1]), nil
	default:
		return "", "", ErrBadExec.WrapMsg(command)
	}
}
