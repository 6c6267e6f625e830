package compute

import (
	"fmt"
	"sync"
)

// DoneFunc is called exactly once per Run, after the kernel entry point has
// returned. err is nil on success.
type DoneFunc func(u Unit, err error)

// Unit executes one work item at a time
type Unit interface {
	ID() int
	// LoadKernel replaces the unit's kernel. The unit must be idle.
	LoadKernel(artifactPath string, generation uint64) error
	// Generation identifies the artifact currently loaded, zero for none
	Generation() uint64
	// Run starts the work item asynchronously
	Run(x, y, z int) error
	// Join blocks until the previous Run has fully retired
	Join()
	Running() bool
	Close() error
}

type workItem struct {
	x, y, z int
}

// unitBase holds the kernel bookkeeping shared by both unit kinds
type unitBase struct {
	id     int
	loader KernelLoader
	mem    Memory
	onDone DoneFunc

	mu         sync.Mutex
	kernel     Kernel
	generation uint64
	running    bool
	closed     bool
}

func (b *unitBase) ID() int { return b.id }

func (b *unitBase) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

func (b *unitBase) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// swapKernel must be called with b.mu held
func (b *unitBase) swapKernel(artifactPath string, generation uint64) error {
	if b.closed {
		return ErrUnitClosed
	}
	if b.running {
		return ErrUnitBusy
	}
	k, err := b.loader.Load(artifactPath)
	if err != nil {
		return fmt.Errorf("unit %d: %w", b.id, err)
	}
	if b.kernel != nil {
		_ = b.kernel.Close()
	}
	b.kernel = k
	b.generation = generation
	return nil
}

// PersistentUnit owns one long-lived goroutine that waits for work
type PersistentUnit struct {
	unitBase
	cond    *sync.Cond
	pending *workItem
	exited  chan struct{}
}

// NewPersistentUnit starts the unit's worker goroutine
func NewPersistentUnit(id int, loader KernelLoader, mem Memory, onDone DoneFunc) *PersistentUnit {
	u := &PersistentUnit{
		unitBase: unitBase{id: id, loader: loader, mem: mem, onDone: onDone},
		exited:   make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	go u.loop()
	return u
}

func (u *PersistentUnit) loop() {
	defer close(u.exited)
	for {
		u.mu.Lock()
		for u.pending == nil && !u.closed {
			u.cond.Wait()
		}
		if u.pending == nil {
			u.mu.Unlock()
			return
		}
		item := *u.pending
		u.pending = nil
		k := u.kernel
		u.mu.Unlock()

		err := invoke(k, item.x, item.y, item.z, u.mem)
		u.onDone(u, err)

		u.mu.Lock()
		u.running = false
		u.cond.Broadcast()
		u.mu.Unlock()
	}
}

// LoadKernel implements Unit
func (u *PersistentUnit) LoadKernel(artifactPath string, generation uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.swapKernel(artifactPath, generation)
}

// Run implements Unit
func (u *PersistentUnit) Run(x, y, z int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case u.closed:
		return ErrUnitClosed
	case u.running:
		return ErrUnitBusy
	case u.kernel == nil:
		return ErrNoKernel
	}
	u.running = true
	u.pending = &workItem{x: x, y: y, z: z}
	u.cond.Broadcast()
	return nil
}

// Join implements Unit
func (u *PersistentUnit) Join() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for u.running {
		u.cond.Wait()
	}
}

// Close stops the worker after any in-flight item retires
func (u *PersistentUnit) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.cond.Broadcast()
	u.mu.Unlock()

	<-u.exited

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.kernel != nil {
		err := u.kernel.Close()
		u.kernel = nil
		return err
	}
	return nil
}

// SpawnUnit starts a fresh goroutine for every Run
type SpawnUnit struct {
	unitBase
	done chan struct{}
}

// NewSpawnUnit returns an idle spawning unit
func NewSpawnUnit(id int, loader KernelLoader, mem Memory, onDone DoneFunc) *SpawnUnit {
	return &SpawnUnit{unitBase: unitBase{id: id, loader: loader, mem: mem, onDone: onDone}}
}

// LoadKernel implements Unit
func (u *SpawnUnit) LoadKernel(artifactPath string, generation uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.swapKernel(artifactPath, generation)
}

// Run implements Unit
func (u *SpawnUnit) Run(x, y, z int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case u.closed:
		return ErrUnitClosed
	case u.running:
		return ErrUnitBusy
	case u.kernel == nil:
		return ErrNoKernel
	}
	u.running = true
	done := make(chan struct{})
	u.done = done
	k := u.kernel

	go func() {
		defer close(done)
		err := invoke(k, x, y, z, u.mem)
		u.onDone(u, err)

		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()
	return nil
}

// Join implements Unit
func (u *SpawnUnit) Join() {
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close waits for any in-flight item and releases the kernel
func (u *SpawnUnit) Close() error {
	u.Join()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	if u.kernel != nil {
		err := u.kernel.Close()
		u.kernel = nil
		return err
	}
	return nil
}
