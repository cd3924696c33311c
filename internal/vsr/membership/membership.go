// Package membership maintains the VSR replica group's peer address table
// in ZooKeeper, reporting the live peer addresses to a caller-supplied
// callback. Grounded on the teacher's pkg/cluster.ZKMembership,
// generalized from building a consistent-hash ring to reporting the live
// address set instead.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Registry tracks replica addresses under rootPath+"/nodes" in ZooKeeper.
type Registry struct {
	conn     *zk.Conn
	rootPath string
	local    string
}

// New connects to the given ZooKeeper ensemble.
func New(servers []string, rootPath, localAddr string) (*Registry, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("membership: zk connect: %w", err)
	}
	return &Registry{conn: conn, rootPath: rootPath, local: localAddr}, nil
}

func (r *Registry) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registry) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur += "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates an ephemeral znode for this replica, so a process
// that dies without a clean shutdown drops out of the peer set on its
// own.
func (r *Registry) RegisterSelf() error {
	if err := r.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := r.ensurePath(r.rootPath + "/nodes"); err != nil {
		return fmt.Errorf("membership: ensure nodes path: %w", err)
	}

	path := fmt.Sprintf("%s/nodes/%s", r.rootPath, r.local)
	if _, err := r.conn.Create(path, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("membership: create ephemeral node: %w", err)
	}
	return nil
}

// Peers returns the currently live peer addresses.
func (r *Registry) Peers() ([]string, error) {
	children, _, err := r.conn.Children(r.rootPath + "/nodes")
	if err != nil {
		return nil, fmt.Errorf("membership: zk children: %w", err)
	}
	return children, nil
}

// Watch invokes onChange with the current peer set every time it
// changes, until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, onChange func([]string)) {
	go func() {
		for {
			children, _, ch, err := r.conn.ChildrenW(r.rootPath + "/nodes")
			if err != nil {
				slog.Warn("membership: watch children failed, retrying", "error", err)
				time.Sleep(2 * time.Second)
				continue
			}
			onChange(children)

			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("membership: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
