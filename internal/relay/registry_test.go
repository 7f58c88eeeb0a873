package relay

import "testing"

func TestRoutes_EveryKindRouted(t *testing.T) {
	for k := Kind(0); k < kindCount; k++ {
		if routes[k] == routeUnset {
			t.Fatalf("kind %d (%q) has no route", k, k.String())
		}
		if k == KindUnknown {
			continue
		}
		if k.String() == "" {
			t.Fatalf("kind %d has no wire name", k)
		}
		if got := ParseKind(k.String()); got != k {
			t.Fatalf("ParseKind(%q) = %d, want %d", k.String(), got, k)
		}
	}
	if ParseKind("no-such-event") != KindUnknown {
		t.Fatal("expected unknown name to parse as KindUnknown")
	}
}

func TestRoutes_RelayOriginatedRejected(t *testing.T) {
	for _, k := range []Kind{KindClientCount, KindUploadAck, KindUploadError, KindUploadComplete, KindBinaryMetadata, KindBinaryData, KindPong, KindError} {
		if routes[k] != routeReject {
			t.Fatalf("expected %s to be rejected from clients", k)
		}
	}
}

func TestRegistry_RegisterAndCounts(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&Conn{id: "a"})
	reg.Add(&Conn{id: "b"})
	reg.Add(&Conn{id: "c"})

	if err := reg.Register("a", RoleDisplay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Register("b", RoleController); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts := reg.Counts()
	if counts.Displays != 1 || counts.Controllers != 1 {
		t.Fatalf("expected 1 display and 1 controller, got %+v", counts)
	}
	if len(reg.All()) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(reg.All()))
	}
	if _, ok := reg.Role("c"); ok {
		t.Fatal("expected unregistered connection to have no role")
	}
}

func TestRegistry_ReRegisterMovesRole(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&Conn{id: "a"})

	if err := reg.Register("a", RoleDisplay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Register("a", RoleController); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	role, ok := reg.Role("a")
	if !ok || role != RoleController {
		t.Fatalf("expected controller, got %q", role)
	}
	counts := reg.Counts()
	if counts.Displays != 0 || counts.Controllers != 1 {
		t.Fatalf("expected connection in exactly one set, got %+v", counts)
	}
	if len(reg.Displays()) != 0 {
		t.Fatal("expected no displays")
	}
}

func TestRegistry_RegisterErrors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("ghost", RoleDisplay); err == nil {
		t.Fatal("expected error for unknown connection")
	}

	reg.Add(&Conn{id: "a"})
	if err := reg.Register("a", Role("projector")); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&Conn{id: "a"})
	if err := reg.Register("a", RoleDisplay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reg.Unregister("a") {
		t.Fatal("expected first unregister to report removal")
	}
	if reg.Unregister("a") {
		t.Fatal("expected second unregister to be a no-op")
	}
	if counts := reg.Counts(); counts.Displays != 0 {
		t.Fatalf("expected 0 displays, got %d", counts.Displays)
	}
	if _, ok := reg.conns["a"]; ok {
		t.Fatal("expected connection to be gone")
	}
}
