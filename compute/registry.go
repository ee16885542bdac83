package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/arsenal/kernrt/internal/utils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
)

var ErrRegistryClosed = errors.New("device registry is closed")

// DeviceID identifies one device: the kind of runtime that drives it and its index among the
// devices of that kind
type DeviceID struct {
	TypeID  uint16
	IndexID uint32
}

func (id DeviceID) String() string {
	return fmt.Sprintf("device(%d:%d)", id.TypeID, id.IndexID)
}

// ClientFactory builds the client for a device the first time the device is used
type ClientFactory[K any] func(id DeviceID) (*Client[K], error)

// Registry holds one client per device. Clients are built lazily by the factory, and concurrent
// first requests for the same device share a single construction.
type Registry[K any] struct {
	logger  *slog.Logger
	factory ClientFactory[K]

	lock    sync.Mutex
	clients *swiss.Map[DeviceID, *Client[K]]
	closed  bool

	group singleflight.Group
}

func NewRegistry[K any](logger *slog.Logger, factory ClientFactory[K]) *Registry[K] {
	return &Registry[K]{
		logger:  utils.LoggerOrDiscard(logger),
		factory: factory,
		clients: swiss.NewMap[DeviceID, *Client[K]](4),
	}
}

func (r *Registry[K]) lookup(id DeviceID) (*Client[K], error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	client, _ := r.clients.Get(id)
	return client, nil
}

// Client returns the client for a device, building it on first use
func (r *Registry[K]) Client(id DeviceID) (*Client[K], error) {
	client, err := r.lookup(id)
	if err != nil || client != nil {
		return client, err
	}

	value, err, _ := r.group.Do(id.String(), func() (any, error) {
		client, err := r.lookup(id)
		if err != nil || client != nil {
			return client, err
		}

		client, err = r.factory(id)
		if err != nil {
			return nil, errors.Wrapf(err, "creating client for %s", id)
		}

		r.lock.Lock()
		defer r.lock.Unlock()

		if r.closed {
			return nil, multierror.Append(ErrRegistryClosed, client.Close())
		}
		r.clients.Put(id, client)

		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Registry::Client created client",
			slog.String("device", id.String()),
		)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Client[K]), nil
}

// Devices lists the devices whose clients have been built
func (r *Registry[K]) Devices() []DeviceID {
	r.lock.Lock()
	defer r.lock.Unlock()

	ids := make([]DeviceID, 0, r.clients.Count())
	r.clients.Iter(func(id DeviceID, _ *Client[K]) bool {
		ids = append(ids, id)
		return false
	})
	slices.SortFunc(ids, func(left, right DeviceID) bool {
		if left.TypeID != right.TypeID {
			return left.TypeID < right.TypeID
		}
		return left.IndexID < right.IndexID
	})
	return ids
}

// Close closes every client the registry built. Later requests fail with ErrRegistryClosed.
func (r *Registry[K]) Close() error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return ErrRegistryClosed
	}
	r.closed = true
	clients := r.clients
	r.clients = swiss.NewMap[DeviceID, *Client[K]](1)
	r.lock.Unlock()

	var result *multierror.Error
	clients.Iter(func(id DeviceID, client *Client[K]) bool {
		err := client.Close()
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing %s", id))
		}
		return false
	})
	return result.ErrorOrNil()
}
