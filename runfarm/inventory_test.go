package runfarm

import (
	"context"
	"errors"
	"testing"
)

func TestBindOnce(t *testing.T) {
	inv := NewStaticInventory([]HostSpec{
		{Name: "host0", Capacity: 4},
		{Name: "host1", Capacity: 0},
	})

	if inv.Bound() {
		t.Fatalf("fresh inventory should be unbound")
	}
	if err := inv.Bind(context.Background(), BindMock); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !inv.Bound() {
		t.Errorf("inventory should report bound")
	}

	ips := inv.BoundIPs()
	if len(ips) != 2 || ips[0] != "127.0.0.1" || ips[1] != "127.0.0.2" {
		t.Errorf("unexpected mock IPs: %v", ips)
	}

	err := inv.Bind(context.Background(), BindMock)
	if !errors.Is(err, ErrRebind) {
		t.Errorf("second Bind: expected ErrRebind, got %v", err)
	}
}

func TestBindStampsHostIdentity(t *testing.T) {
	inv := NewStaticInventory([]HostSpec{
		{Name: "host0", Capacity: 4},
		{Name: "host1", Capacity: 0},
	})
	if err := inv.Bind(context.Background(), BindMock); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	slots := inv.AllHosts()
	for _, h := range slots {
		if h.Hostname == "" {
			t.Errorf("host %s: mock binding left Hostname empty", h.Spec.Name)
		}
		if h.Platform == "" {
			t.Errorf("host %s: mock binding left Platform empty", h.Spec.Name)
		}
		if h.Identity() == h.Spec.Name {
			t.Errorf("host %s: Identity should carry the probed hostname, got %q", h.Spec.Name, h.Identity())
		}
	}
	// loopback slots all resolve to the same local controller
	if slots[0].Hostname != slots[1].Hostname {
		t.Errorf("mock-bound slots disagree on hostname: %q vs %q", slots[0].Hostname, slots[1].Hostname)
	}
}

func TestBindRealUsesSpecAddresses(t *testing.T) {
	provider := &StaticProvider{Specs: []HostSpec{
		{Name: "host0", Capacity: 4, IP: "192.0.2.10"},
	}}
	inv, err := NewInventory(context.Background(), provider)
	if err != nil {
		t.Fatalf("NewInventory: %v", err)
	}
	if err := inv.Bind(context.Background(), BindReal); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := inv.BoundIPs()[0]; got != "192.0.2.10" {
		t.Errorf("expected spec address, got %s", got)
	}

	slot, ok := inv.LookupByIP("192.0.2.10")
	if !ok || slot.Spec.Name != "host0" {
		t.Errorf("LookupByIP failed: %v %v", slot, ok)
	}
}

func TestHostSlotCapacity(t *testing.T) {
	h := &HostSlot{Spec: HostSpec{Name: "accel", Capacity: 1}}
	if !h.IsAccelerator() {
		t.Errorf("capacity 1 host should be an accelerator host")
	}
	if err := h.AddMachine(nil); err != nil {
		t.Fatalf("AddMachine: %v", err)
	}
	if err := h.AddMachine(nil); !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("expected ErrCapacityExhausted on overfull host, got %v", err)
	}

	sw := &HostSlot{Spec: HostSpec{Name: "sw", Capacity: 0}}
	if sw.IsAccelerator() {
		t.Errorf("capacity 0 host should be switch-only")
	}
	if sw.FreeSwitchSlots() != 1 {
		t.Errorf("switch-only host should default to 1 switch slot, got %d", sw.FreeSwitchSlots())
	}
}

func TestDecodeHostSpec(t *testing.T) {
	spec, err := DecodeHostSpec([]byte(`{"name":"host0","capacity":8,"ip":"192.0.2.1"}`))
	if err != nil {
		t.Fatalf("DecodeHostSpec: %v", err)
	}
	if spec.Name != "host0" || spec.Capacity != 8 || spec.IP != "192.0.2.1" {
		t.Errorf("unexpected spec: %+v", spec)
	}

	if _, err := DecodeHostSpec([]byte(`{"capacity":8}`)); err == nil {
		t.Errorf("expected error for spec without name")
	}
	if _, err := DecodeHostSpec([]byte(`not json`)); err == nil {
		t.Errorf("expected error for malformed spec")
	}
}
