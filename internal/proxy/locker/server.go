//go:build unix

package rpclocker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"

	"github.com/pbs-plus/pbx-backup/internal/syslog"
	"github.com/puzpuzpuz/xsync/v3"
)

type Args struct {
	Key string
}

type Reply struct {
	Success bool
}

// LockerRPC hands out named mutexes to processes sharing the socket. Each
// connection gets its own LockerRPC over the shared lock table, so keys still
// held when a client disconnects can be released on its behalf.
type LockerRPC struct {
	locks *xsync.MapOf[string, *sync.Mutex]

	mu   sync.Mutex
	held map[string]struct{}
}

func newLockerRPC(locks *xsync.MapOf[string, *sync.Mutex]) *LockerRPC {
	return &LockerRPC{locks: locks, held: map[string]struct{}{}}
}

func (s *LockerRPC) getOrCreateMutex(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, new(sync.Mutex))
	return mu
}

func (s *LockerRPC) hold(key string) {
	s.mu.Lock()
	s.held[key] = struct{}{}
	s.mu.Unlock()
}

func (s *LockerRPC) Lock(args *Args, reply *Reply) error {
	if args.Key == "" {
		reply.Success = false
		return errors.New("lock key cannot be empty")
	}

	s.getOrCreateMutex(args.Key).Lock()
	s.hold(args.Key)

	reply.Success = true
	return nil
}

func (s *LockerRPC) TryLock(args *Args, reply *Reply) error {
	if args.Key == "" {
		reply.Success = false
		return errors.New("lock key cannot be empty")
	}

	reply.Success = s.getOrCreateMutex(args.Key).TryLock()
	if reply.Success {
		s.hold(args.Key)
	}
	return nil
}

// Unlock releases a key held by this connection. Keys held by other
// clients are refused.
func (s *LockerRPC) Unlock(args *Args, reply *Reply) error {
	if args.Key == "" {
		reply.Success = false
		return errors.New("lock key cannot be empty")
	}

	s.mu.Lock()
	_, ok := s.held[args.Key]
	delete(s.held, args.Key)
	s.mu.Unlock()

	keyMutex, found := s.locks.Load(args.Key)
	if !ok || !found {
		reply.Success = false
		return fmt.Errorf("key '%s' not found or not held by this client", args.Key)
	}

	keyMutex.Unlock()
	reply.Success = true
	return nil
}

// release unlocks every key this connection still holds.
func (s *LockerRPC) release() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := make([]string, 0, len(s.held))
	for key := range s.held {
		if keyMutex, ok := s.locks.Load(key); ok {
			keyMutex.Unlock()
		}
		released = append(released, key)
	}
	s.held = map[string]struct{}{}
	return released
}

// Server serves LockerRPC on a unix socket. It satisfies suture.Service.
type Server struct {
	SocketPath string
}

func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.SocketPath)
	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.SocketPath, err)
	}

	locks := xsync.NewMapOf[string, *sync.Mutex]()

	syslog.L.Info().
		WithMessage("lock server starting").
		WithField("socket", s.SocketPath).
		Write()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConn(locks, conn)
		}
	}()

	select {
	case <-ctx.Done():
		syslog.L.Info().
			WithMessage("lock server shutting down due to context cancellation").
			WithField("socket", s.SocketPath).
			Write()
		_ = listener.Close()
		<-stopped
		_ = os.Remove(s.SocketPath)
		return ctx.Err()
	case <-stopped:
		syslog.L.Warn().
			WithMessage("lock server shut down unexpectedly").
			WithField("socket", s.SocketPath).
			Write()
		return errors.New("lock server stopped")
	}
}

// serveConn answers one client until it disconnects, then frees whatever it
// left locked. ServeConn waits for in-flight calls, so a Lock still blocked
// when the client went away is granted and released here too.
func serveConn(locks *xsync.MapOf[string, *sync.Mutex], conn net.Conn) {
	session := newLockerRPC(locks)
	server := rpc.NewServer()
	if err := server.Register(session); err != nil {
		_ = conn.Close()
		syslog.L.Error(err).WithMessage("failed to register rpc service").Write()
		return
	}

	server.ServeConn(conn)

	if released := session.release(); len(released) > 0 {
		syslog.L.Warn().
			WithMessage("released locks held by disconnected client").
			WithField("keys", released).
			Write()
	}
}
