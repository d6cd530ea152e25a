package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qualisys/qualisys-lsl-app/internal/logx"
)

// Snapshot is the bridge state as mirrored for external dashboards.
type Snapshot struct {
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Channels  int       `json:"channels"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateStore mirrors bridge state transitions somewhere observable. Mirroring
// is best-effort observability, not persistence: a failed write is logged and
// forgotten, and the bridge never reads its state back.
type StateStore interface {
	Save(s Snapshot) error
}

// runSaver applies snapshots to the store in transition order, off the
// state machine's critical section. A nil store discards them.
func runSaver(store StateStore, ch <-chan Snapshot) {
	for snap := range ch {
		if store == nil {
			continue
		}
		if err := store.Save(snap); err != nil {
			logx.Log.Debug().Err(err).Msg("state mirror save failed")
		}
	}
}

const redisKey = "qlsl:state"

// redisStore implements StateStore backed by a Redis instance.
type redisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to the given Redis address or URL and returns a
// StateStore. The key is initialized to Disconnected if it does not exist.
func NewRedisStore(addr string) (StateStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(Snapshot{State: StateDisconnected, UpdatedAt: time.Now()})
	_ = c.SetNX(ctx, redisKey, b, 0).Err()
	return &redisStore{client: c, key: redisKey}, nil
}

// parseRedisURL accepts a plain host:port or a redis:// / rediss:// URL.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}

func (r *redisStore) Save(s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.key, b, 0).Err()
}
