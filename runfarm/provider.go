package runfarm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// StaticProvider serves host specs straight from the runtime config file.
type StaticProvider struct {
	Specs []HostSpec
}

func (p *StaticProvider) Hosts(ctx context.Context) ([]HostSpec, error) {
	return p.Specs, nil
}

func (p *StaticProvider) Resolve(ctx context.Context, name string) (string, error) {
	for _, s := range p.Specs {
		if s.Name == name {
			if s.IP == "" {
				return "", fmt.Errorf("host %s has no address in static config", name)
			}
			return s.IP, nil
		}
	}
	return "", fmt.Errorf("unknown host %s", name)
}

// HostPrefix is the etcd key prefix under which fleet hosts register
// themselves, one JSON HostSpec per key.
const HostPrefix = "/runfarm/hosts/"

// EtcdConfig carries the etcd connection settings for the fleet registry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
	}
}

// EtcdProvider reads the fleet inventory from an etcd registry where each
// host publishes its spec under HostPrefix.
type EtcdProvider struct {
	client *clientv3.Client
}

func NewEtcdProvider(config EtcdConfig) (*EtcdProvider, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &EtcdProvider{client: client}, nil
}

func (p *EtcdProvider) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

func (p *EtcdProvider) Hosts(ctx context.Context) ([]HostSpec, error) {
	resp, err := p.client.Get(ctx, HostPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing run farm hosts from etcd: %w", err)
	}
	var specs []HostSpec
	for _, kv := range resp.Kvs {
		spec, err := DecodeHostSpec(kv.Value)
		if err != nil {
			log.Warnf("run farm: skipping malformed host entry %s: %v", kv.Key, err)
			continue
		}
		specs = append(specs, spec)
	}
	log.Infof("run farm: %d hosts registered in etcd", len(specs))
	return specs, nil
}

func (p *EtcdProvider) Resolve(ctx context.Context, name string) (string, error) {
	resp, err := p.client.Get(ctx, HostPrefix+name)
	if err != nil {
		return "", fmt.Errorf("looking up host %s in etcd: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("host %s not registered", name)
	}
	spec, err := DecodeHostSpec(resp.Kvs[0].Value)
	if err != nil {
		return "", err
	}
	if spec.IP == "" {
		return "", fmt.Errorf("host %s registered without an address", name)
	}
	return spec.IP, nil
}

// DecodeHostSpec parses one registry entry.
func DecodeHostSpec(data []byte) (HostSpec, error) {
	var spec HostSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return HostSpec{}, fmt.Errorf("invalid host spec: %w", err)
	}
	if spec.Name == "" {
		return HostSpec{}, fmt.Errorf("host spec missing name")
	}
	return spec, nil
}
