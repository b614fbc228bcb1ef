package registry

import "testing"

func TestStaticRegistryDiscoverAndDeregister(t *testing.T) {
	reg := Hosts("arith", "127.0.0.1:4182", "127.0.0.1:4183", "127.0.0.1:4184")

	instances, err := reg.Discover("arith")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 3 {
		t.Fatalf("expect 3 instances, got %d", len(instances))
	}

	if err := reg.Deregister("arith", "127.0.0.1:4183"); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover("arith")
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances after deregister, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.Addr == "127.0.0.1:4183" {
			t.Fatalf("deregistered host still present")
		}
	}
}

func TestStaticRegistryRegisterIsIdempotent(t *testing.T) {
	reg := NewStatic("arith")
	inst := ServiceInstance{Addr: "127.0.0.1:4182", Weight: 1}
	if err := reg.Register("arith", inst, 0); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("arith", inst, 0); err != nil {
		t.Fatal(err)
	}
	instances, _ := reg.Discover("arith")
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after duplicate register, got %d", len(instances))
	}
}
