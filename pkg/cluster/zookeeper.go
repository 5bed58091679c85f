package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	nodesDir              = "/nodes"
	defaultConnectWait    = 10 * time.Second
	defaultWatchBackoff   = 2 * time.Second
	defaultSessionTimeout = 5 * time.Second
)

var ErrInvalidMember = errors.New("invalid member entry")

type iConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// iPeerUpdater receives the address of every live member.
type iPeerUpdater interface {
	SetPeerAddress(id uint64, addr string)
}

// Directory publishes the local node address in ZooKeeper and keeps the
// transport's view of peer addresses in sync with the live members.
// Membership itself stays in the raft log; only addresses come from here.
type Directory struct {
	conn     iConn
	rootPath string
	localID  uint64
	addr     string
	backoff  time.Duration
}

// servers: ["zk1:2181", "zk2:2181"]
func NewDirectory(servers []string, rootPath string, sessionTimeout time.Duration, localID uint64, addr string) (*Directory, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = defaultSessionTimeout
	}
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newDirectory(conn, rootPath, localID, addr), nil
}

func newDirectory(conn iConn, rootPath string, localID uint64, addr string) *Directory {
	return &Directory{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		localID:  localID,
		addr:     addr,
		backoff:  defaultWatchBackoff,
	}
}

func (d *Directory) Close() error {
	d.conn.Close()
	return nil
}

func (d *Directory) nodesPath() string {
	return d.rootPath + nodesDir
}

func (d *Directory) memberPath(id uint64) string {
	return d.nodesPath() + "/" + strconv.FormatUint(id, 10)
}

func (d *Directory) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register creates the ephemeral member node holding the local address.
func (d *Directory) Register(ctx context.Context) error {
	if err := d.waitConnected(ctx, defaultConnectWait); err != nil {
		return err
	}

	if err := d.ensurePath(d.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	path := d.memberPath(d.localID)
	_, err := d.conn.Create(path, []byte(d.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", path, "addr", d.addr)
	return nil
}

// Members reads the current id -> address map.
func (d *Directory) Members() (map[uint64]string, <-chan zk.Event, error) {
	children, _, ch, err := d.conn.ChildrenW(d.nodesPath())
	if err != nil {
		return nil, nil, fmt.Errorf("zk children: %w", err)
	}

	members := make(map[uint64]string, len(children))
	for _, name := range children {
		data, _, err := d.conn.Get(d.nodesPath() + "/" + name)
		if errors.Is(err, zk.ErrNoNode) {
			// went away between the listing and the read
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("zk get %s: %w", name, err)
		}

		id, addr, err := parseMember(name, data)
		if err != nil {
			slog.Warn("skipping member", "name", name, "error", err)
			continue
		}
		members[id] = addr
	}
	return members, ch, nil
}

// Watch pushes every live member's address into peers until ctx is done.
func (d *Directory) Watch(ctx context.Context, peers iPeerUpdater) {
	for {
		members, ch, err := d.Members()
		if err != nil {
			slog.Warn("zk watch failed", "error", err)
			select {
			case <-time.After(d.backoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		for id, addr := range members {
			if id == d.localID {
				continue
			}
			peers.SetPeerAddress(id, addr)
		}

		select {
		case ev := <-ch:
			slog.Debug("zk event", "type", ev.Type.String(), "path", ev.Path)
		case <-ctx.Done():
			slog.Info("zk watch stopped")
			return
		}
	}
}

func (d *Directory) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func parseMember(name string, data []byte) (uint64, string, error) {
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil || id == 0 {
		return 0, "", fmt.Errorf("%w: node name %q", ErrInvalidMember, name)
	}
	addr := strings.TrimSpace(string(data))
	if addr == "" {
		return 0, "", fmt.Errorf("%w: empty address for %d", ErrInvalidMember, id)
	}
	return id, addr, nil
}
