package pools

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "pools.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func testRecord(name string) Record {
	return Record{
		ID:   "pool-" + name,
		Name: name,
		Type: TypeBtrfs,
		DataDevices: []DeviceSlot{
			{Slot: 1, Device: "/dev/" + name + "1"},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestStore_MissingFileIsEmptyRegistry(t *testing.T) {
	s := testStore(t)
	reg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reg.Pools) != 0 || reg.Version != 1 {
		t.Errorf("registry = %+v, want empty version 1", reg)
	}
}

func TestStore_UpdateRoundTrip(t *testing.T) {
	s := testStore(t)
	err := s.Update(func(reg *Registry) error {
		reg.Pools = append(reg.Pools, testRecord("tank"))
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	reg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, ok := reg.ByID("pool-tank")
	if !ok {
		t.Fatal("record not persisted")
	}
	if rec.Name != "tank" || rec.DataDevices[0].Slot != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestStore_UpdateErrorAbortsSave(t *testing.T) {
	s := testStore(t)
	if err := s.Update(func(reg *Registry) error {
		reg.Pools = append(reg.Pools, testRecord("tank"))
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	wantErr := Validationf("test", "boom")
	err := s.Update(func(reg *Registry) error {
		reg.Pools = nil
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v, want the fn error", err)
	}
	reg, _ := s.Load()
	if len(reg.Pools) != 1 {
		t.Error("aborted update must not persist")
	}
}

func TestStore_SaveLoadEmptyRegistry(t *testing.T) {
	s := testStore(t)
	if err := s.Save(Registry{Version: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	reg, err := s.Load()
	if err != nil {
		t.Fatalf("load after empty save: %v", err)
	}
	if reg.Version != 1 || len(reg.Pools) != 0 {
		t.Errorf("registry = %+v, want empty version 1", reg)
	}
}

func TestStore_ConcurrentLoadDoesNotDisturbUpdate(t *testing.T) {
	s := testStore(t)
	if err := s.Update(func(reg *Registry) error {
		reg.Pools = append(reg.Pools, testRecord("tank"))
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := s.Load(); err != nil {
				t.Errorf("load: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if err := s.Update(func(reg *Registry) error {
			rec, ok := reg.ByID("pool-tank")
			if !ok {
				return Validationf("test", "record vanished")
			}
			rec.Comment = "rev"
			return nil
		}); err != nil {
			t.Fatalf("update %d alongside concurrent reads: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestStore_RejectsMalformedRegistry(t *testing.T) {
	s := testStore(t)
	if err := os.WriteFile(s.Path(), []byte(`{"pools":[{"id":"","name":"x","type":"vfat","data_devices":[]}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatal("malformed registry must not load")
	}
}

func TestStore_ToleratesUnknownFields(t *testing.T) {
	s := testStore(t)
	doc := `{"version":1,"future_field":true,"pools":[{"id":"p1","name":"tank","type":"btrfs","data_devices":[{"slot":1,"device":"/dev/sdb","extra":"x"}]}]}`
	if err := os.WriteFile(s.Path(), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	reg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := reg.ByName("tank"); !ok {
		t.Error("record with unknown extra fields should load")
	}
}

func TestStore_LockPoolSerializesSamePool(t *testing.T) {
	s := testStore(t)
	var order []int
	var mu sync.Mutex

	unlock := s.LockPool("p1")
	done := make(chan struct{})
	go func() {
		u := s.LockPool("p1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want holder first", order)
	}
}

func TestStore_LockPoolDifferentPoolsIndependent(t *testing.T) {
	s := testStore(t)
	unlock := s.LockPool("p1")
	defer unlock()

	acquired := make(chan struct{})
	go func() {
		u := s.LockPool("p2")
		u()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different pool must not block")
	}
}

func TestRegistry_DeviceOwnerCoversParity(t *testing.T) {
	rec := testRecord("media")
	rec.Type = TypeMergerFS
	rec.ParityDevices = []DeviceSlot{{Slot: 1, Device: "/dev/sdp"}}
	reg := Registry{Version: 1, Pools: []Record{rec}}

	if owner, ok := reg.DeviceOwner("/dev/sdp"); !ok || owner.Name != "media" {
		t.Errorf("parity device owner = %v, %v", owner, ok)
	}
	if _, ok := reg.DeviceOwner("/dev/free"); ok {
		t.Error("unclaimed device reported owned")
	}
}

func TestRegistry_Drop(t *testing.T) {
	reg := Registry{Pools: []Record{testRecord("a"), testRecord("b")}}
	if !reg.Drop("pool-a") {
		t.Fatal("drop failed")
	}
	if reg.Drop("pool-a") {
		t.Error("second drop should report false")
	}
	if len(reg.Pools) != 1 || reg.Pools[0].Name != "b" {
		t.Errorf("pools = %+v", reg.Pools)
	}
}

func TestNextSlot_NeverReusesNumbers(t *testing.T) {
	r := Record{DataDevices: []DeviceSlot{{Slot: 1}, {Slot: 4}}}
	if got := r.NextDataSlot(); got != 5 {
		t.Errorf("next slot = %d, want 5 (max+1)", got)
	}
	if got := (&Record{}).NextDataSlot(); got != 1 {
		t.Errorf("first slot = %d, want 1", got)
	}
}
