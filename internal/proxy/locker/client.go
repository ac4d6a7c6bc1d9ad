//go:build unix

package rpclocker

import (
	"fmt"
	"net"
	"net/rpc"
	"time"
)

// LockerClient provides a client interface to the LockerRPC service.
type LockerClient struct {
	client *rpc.Client
}

// NewLockerClient connects to the lock server listening on socketPath.
func NewLockerClient(socketPath string) (*LockerClient, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lock server at %s: %w", socketPath, err)
	}
	return &LockerClient{client: rpc.NewClient(conn)}, nil
}

func (c *LockerClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Lock blocks until the server grants key.
func (c *LockerClient) Lock(key string) error {
	var reply Reply
	if err := c.client.Call("LockerRPC.Lock", &Args{Key: key}, &reply); err != nil {
		return fmt.Errorf("rpc Lock failed for key '%s': %w", key, err)
	}
	if !reply.Success {
		return fmt.Errorf("lock operation failed server-side for key '%s'", key)
	}
	return nil
}

// TryLock reports whether key was acquired without waiting.
func (c *LockerClient) TryLock(key string) (bool, error) {
	var reply Reply
	if err := c.client.Call("LockerRPC.TryLock", &Args{Key: key}, &reply); err != nil {
		return false, fmt.Errorf("rpc TryLock failed for key '%s': %w", key, err)
	}
	return reply.Success, nil
}

func (c *LockerClient) Unlock(key string) error {
	var reply Reply
	if err := c.client.Call("LockerRPC.Unlock", &Args{Key: key}, &reply); err != nil {
		return fmt.Errorf("rpc Unlock failed for key '%s': %w", key, err)
	}
	if !reply.Success {
		return fmt.Errorf("unlock operation failed server-side for key '%s'", key)
	}
	return nil
}
