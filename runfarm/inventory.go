package runfarm

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/topology"
)

var (
	// ErrRebind is returned when Bind is called more than once for one run.
	// Binding twice can hand back inconsistent provider answers, so it is
	// forbidden outright.
	ErrRebind = errors.New("run farm already bound")

	// ErrCapacityExhausted is returned when a host slot cannot take another
	// simulation, or when mapping runs out of hosts before every machine is
	// placed.
	ErrCapacityExhausted = errors.New("run farm capacity exhausted")
)

// BindMode selects how host liveness/IPs are resolved: against the real
// fleet provider or with loopback mock bindings for test isolation.
type BindMode int

const (
	BindReal BindMode = iota
	BindMock
)

// HostSpec is the provider-side description of one physical host.
type HostSpec struct {
	Name string `json:"name" toml:"name"`
	// Capacity is the number of accelerator slots; 0 marks a switch-only host.
	Capacity int `json:"capacity" toml:"capacity"`
	// SwitchCapacity is how many switch processes the host may run. Defaults
	// to 1 for switch-only hosts.
	SwitchCapacity int    `json:"switch_capacity" toml:"switch_capacity"`
	IP             string `json:"ip" toml:"ip"`
}

// HostSlot is one physical host of the run farm together with the switches
// and simulated machines the mapping pass has assigned to it.
type HostSlot struct {
	Spec HostSpec

	Switches []*topology.Switch
	Machines []*topology.Machine

	// IP is empty until the inventory is bound.
	IP string
	// Hostname and Platform identify the bound host. Mock bindings carry the
	// local controller's identity since every slot resolves to loopback.
	Hostname string
	Platform string
}

// Identity is the bound host's identity line for status output.
func (h *HostSlot) Identity() string {
	if h.Hostname == "" {
		return h.Spec.Name
	}
	if h.Platform == "" {
		return h.Hostname
	}
	return fmt.Sprintf("%s (%s)", h.Hostname, h.Platform)
}

// IsAccelerator reports whether the host carries accelerator slots.
func (h *HostSlot) IsAccelerator() bool { return h.Spec.Capacity > 0 }

// FreeSlots is the remaining accelerator capacity.
func (h *HostSlot) FreeSlots() int { return h.Spec.Capacity - len(h.Machines) }

// FreeSwitchSlots is the remaining switch capacity.
func (h *HostSlot) FreeSwitchSlots() int {
	cap := h.Spec.SwitchCapacity
	if cap == 0 && !h.IsAccelerator() {
		cap = 1
	}
	return cap - len(h.Switches)
}

// AddMachine assigns a simulated machine to one of this host's accelerator
// slots.
func (h *HostSlot) AddMachine(m *topology.Machine) error {
	if h.FreeSlots() <= 0 {
		return fmt.Errorf("%w: host %s is full (%d slots)", ErrCapacityExhausted, h.Spec.Name, h.Spec.Capacity)
	}
	h.Machines = append(h.Machines, m)
	return nil
}

// AddSwitch assigns a switch process to this host.
func (h *HostSlot) AddSwitch(s *topology.Switch) {
	h.Switches = append(h.Switches, s)
}

// Provider enumerates the fleet and resolves host addresses. Implementations
// wrap the actual fleet source (static config, etcd registry).
type Provider interface {
	// Hosts returns the host specs making up the farm.
	Hosts(ctx context.Context) ([]HostSpec, error)
	// Resolve returns the live IP for a host name.
	Resolve(ctx context.Context, name string) (string, error)
}

// Inventory is the run farm: all host slots plus the one-shot liveness/IP
// binding. It is constructed before compilation and read-only for the
// dispatcher after Bind.
type Inventory struct {
	slots    []*HostSlot
	provider Provider
	bound    bool
}

// NewInventory enumerates the provider's hosts into an unbound inventory.
func NewInventory(ctx context.Context, p Provider) (*Inventory, error) {
	specs, err := p.Hosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating run farm hosts: %w", err)
	}
	inv := &Inventory{provider: p}
	for _, spec := range specs {
		inv.slots = append(inv.slots, &HostSlot{Spec: spec})
	}
	log.Infof("run farm: %d hosts enumerated", len(inv.slots))
	return inv, nil
}

// NewStaticInventory builds an inventory directly from specs, with no
// provider behind it. Mock binding only.
func NewStaticInventory(specs []HostSpec) *Inventory {
	inv := &Inventory{}
	for _, spec := range specs {
		inv.slots = append(inv.slots, &HostSlot{Spec: spec})
	}
	return inv
}

// AllHosts returns every host slot in enumeration order.
func (inv *Inventory) AllHosts() []*HostSlot { return inv.slots }

// AcceleratorHosts returns the hosts with accelerator slots, in enumeration
// order.
func (inv *Inventory) AcceleratorHosts() []*HostSlot {
	var hosts []*HostSlot
	for _, h := range inv.slots {
		if h.IsAccelerator() {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// SwitchHosts returns the switch-only hosts, in enumeration order.
func (inv *Inventory) SwitchHosts() []*HostSlot {
	var hosts []*HostSlot
	for _, h := range inv.slots {
		if !h.IsAccelerator() {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Bound reports whether Bind has run.
func (inv *Inventory) Bound() bool { return inv.bound }

// Bind resolves liveness/IP for every host slot, exactly once per run.
// BindMock stamps deterministic loopback addresses so tests never touch the
// provider; BindReal asks the provider for each host.
func (inv *Inventory) Bind(ctx context.Context, mode BindMode) error {
	if inv.bound {
		return ErrRebind
	}
	switch mode {
	case BindMock:
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			return fmt.Errorf("probing local host for mock binding: %w", err)
		}
		platform := fmt.Sprintf("%s %s %s", info.Platform, info.PlatformVersion, info.KernelArch)
		for i, h := range inv.slots {
			h.IP = fmt.Sprintf("127.0.0.%d", i+1)
			h.Hostname = info.Hostname
			h.Platform = platform
			log.Infof("run farm: host %s mock-bound to %s as %s", h.Spec.Name, h.IP, h.Identity())
		}
	case BindReal:
		if inv.provider == nil {
			return fmt.Errorf("run farm has no provider, cannot bind real instances")
		}
		for _, h := range inv.slots {
			h.Hostname = h.Spec.Name
			if h.Spec.IP != "" {
				h.IP = h.Spec.IP
				continue
			}
			ip, err := inv.provider.Resolve(ctx, h.Spec.Name)
			if err != nil {
				return fmt.Errorf("resolving host %s: %w", h.Spec.Name, err)
			}
			h.IP = ip
		}
	default:
		return fmt.Errorf("unknown bind mode %d", mode)
	}
	inv.bound = true
	log.Infof("run farm: bound %d hosts (mock=%v)", len(inv.slots), mode == BindMock)
	return nil
}

// BoundIPs returns the IP of every host, in enumeration order. Only valid
// after Bind.
func (inv *Inventory) BoundIPs() []string {
	ips := make([]string, 0, len(inv.slots))
	for _, h := range inv.slots {
		ips = append(ips, h.IP)
	}
	return ips
}

// LookupByIP finds the host slot bound to ip.
func (inv *Inventory) LookupByIP(ip string) (*HostSlot, bool) {
	for _, h := range inv.slots {
		if h.IP == ip {
			return h, true
		}
	}
	return nil, false
}
