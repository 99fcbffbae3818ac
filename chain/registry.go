package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common"
)

// NetworkResolver returns the configured endpoint and contract of a network.
type NetworkResolver interface {
	Network(name string) (schema.Network, bool)
}

type DialFunc func(ctx context.Context, endpoint string) (Client, error)

func DefaultDial(ctx context.Context, endpoint string) (Client, error) {
	return Dial(ctx, endpoint)
}

type registryEntry struct {
	endpoint string
	contract *Contract
}

// Registry caches one Contract per network and re-dials when the configured
// endpoint changes.
type Registry struct {
	resolver NetworkResolver
	dial     DialFunc

	locker  sync.Mutex
	entries map[string]registryEntry
}

func NewRegistry(resolver NetworkResolver, dial DialFunc) *Registry {
	if dial == nil {
		dial = DefaultDial
	}
	return &Registry{
		resolver: resolver,
		dial:     dial,
		entries:  make(map[string]registryEntry),
	}
}

func (r *Registry) Contract(ctx context.Context, network string) (*Contract, error) {
	nw, ok := r.resolver.Network(network)
	if !ok || strings.TrimSpace(nw.Rpc) == "" {
		return nil, fmt.Errorf("%w: %s", schema.ErrNoRpcEndpoint, network)
	}
	if !common.IsHexAddress(nw.Contract) {
		return nil, fmt.Errorf("%w: %s has no contract address", schema.ErrNoRpcEndpoint, network)
	}

	r.locker.Lock()
	defer r.locker.Unlock()
	if e, ok := r.entries[network]; ok && e.endpoint == nw.Rpc && e.contract.Address() == common.HexToAddress(nw.Contract) {
		return e.contract, nil
	}
	cli, err := r.dial(ctx, nw.Rpc)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", schema.ErrTransientChain, network, err)
	}
	if old, ok := r.entries[network]; ok {
		if closer, ok := old.contract.Client().(interface{ Close() }); ok {
			closer.Close()
		}
	}
	c := NewContract(network, cli, common.HexToAddress(nw.Contract))
	r.entries[network] = registryEntry{endpoint: nw.Rpc, contract: c}
	return c, nil
}
