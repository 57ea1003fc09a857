package cluster

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
)

// ZooKeeper implements Coordination on a ZooKeeper ensemble
type ZooKeeper struct {
	conn   *zk.Conn
	logger *shared.Logger
}

// DialZooKeeper connects to endpoints. The session, and with it every
// ephemeral node this client creates, lives until Close or expiry.
func DialZooKeeper(endpoints []string, sessionTimeout time.Duration, logger *shared.Logger) (*ZooKeeper, error) {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	logger = logger.WithComponent("zookeeper")

	conn, events, err := zk.Connect(endpoints, sessionTimeout, zk.WithLogger(logger))
	if err != nil {
		return nil, kvErr.New(kvErr.ErrorTypeInternal, "failed to connect to coordination service", err)
	}

	go func() {
		for ev := range events {
			if ev.Type == zk.EventSession {
				logger.Debug("session state: %s", ev.State)
				if ev.State == zk.StateExpired {
					logger.Error("coordination session expired, ephemeral records are gone")
				}
			}
		}
	}()

	return &ZooKeeper{conn: conn, logger: logger}, nil
}

// ensurePath creates each missing persistent ancestor of p
func (z *ZooKeeper) ensurePath(p string) error {
	if p == "/" || p == "." || p == "" {
		return nil
	}
	var current string
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		current += "/" + part
		_, err := z.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (z *ZooKeeper) CreateEphemeralSequential(ctx context.Context, prefix string, value []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := z.ensurePath(path.Dir(prefix)); err != nil {
		return "", kvErr.New(kvErr.ErrorTypeInternal, "failed to create group path", err)
	}
	created, err := z.conn.Create(prefix, value, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", kvErr.New(kvErr.ErrorTypeInternal, "failed to create membership record", err)
	}
	return created, nil
}

func (z *ZooKeeper) Children(ctx context.Context, groupPath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := z.conn.Children(groupPath)
	if err != nil {
		return nil, kvErr.New(kvErr.ErrorTypeInternal, "failed to list "+groupPath, err)
	}
	return children, nil
}

func (z *ZooKeeper) WatchChildren(ctx context.Context, groupPath string) ([]string, <-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	children, _, events, err := z.conn.ChildrenW(groupPath)
	if err != nil {
		return nil, nil, kvErr.New(kvErr.ErrorTypeInternal, "failed to watch "+groupPath, err)
	}

	changed := make(chan struct{})
	go func() {
		defer close(changed)
		select {
		case ev := <-events:
			if ev.Err != nil {
				z.logger.Warn("watch on %s ended: %v", groupPath, ev.Err)
			}
		case <-ctx.Done():
		}
	}()
	return children, changed, nil
}

func (z *ZooKeeper) Get(ctx context.Context, nodePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := z.conn.Get(nodePath)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, kvErr.New(kvErr.ErrorTypeNotFound, "no such node: "+nodePath, err)
	}
	if err != nil {
		return nil, kvErr.New(kvErr.ErrorTypeInternal, "failed to read "+nodePath, err)
	}
	return data, nil
}

// Close ends the session, which removes this node's membership record
func (z *ZooKeeper) Close() error {
	z.conn.Close()
	return nil
}
