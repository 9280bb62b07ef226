// Package intr defines the kernel's interrupt-chip protocol and its
// in-memory model. A Chip routes vectors to CPUs: Send posts a vector,
// Mask/Unmask gate delivery, Ack closes the in-service window. The hosted
// model keeps per-CPU pending sets that CPU loops drain; on hardware the
// same protocol would front the LAPIC and I/O APIC.
package intr

import "sync"

// Vector is an interrupt vector number.
type Vector uint8

// Kernel-reserved vectors.
const (
	// VecTimer drives the scheduler tick.
	VecTimer Vector = 0x20
	// VecTaskMigrate asks a CPU to drain its migration queue.
	VecTaskMigrate Vector = 0xEC
)

// Chip is the interrupt controller protocol.
type Chip interface {
	// Send posts a vector to a CPU. Delivery is deferred while the
	// vector is masked on that CPU.
	Send(cpu int, vec Vector)
	// Mask gates a vector on a CPU; posted occurrences stay pending.
	Mask(cpu int, vec Vector)
	// Unmask reopens a vector; pending occurrences become deliverable.
	Unmask(cpu int, vec Vector)
	// Next fetches the lowest deliverable pending vector on a CPU and
	// marks it in service. A second occurrence of the same vector is
	// held back until Ack.
	Next(cpu int) (Vector, bool)
	// Ack closes the in-service window opened by Next.
	Ack(cpu int, vec Vector)
}

type cpuState struct {
	pending   map[Vector]int
	masked    map[Vector]bool
	inService map[Vector]bool
}

// Model is the in-memory Chip used by the hosted kernel.
type Model struct {
	mu   sync.Mutex
	cpus []cpuState
}

// NewModel builds a chip for the given CPU count.
func NewModel(ncpu int) *Model {
	m := &Model{cpus: make([]cpuState, ncpu)}
	for i := range m.cpus {
		m.cpus[i] = cpuState{
			pending:   make(map[Vector]int),
			masked:    make(map[Vector]bool),
			inService: make(map[Vector]bool),
		}
	}
	return m
}

func (m *Model) state(cpu int) *cpuState {
	if cpu < 0 || cpu >= len(m.cpus) {
		return nil
	}
	return &m.cpus[cpu]
}

// Send posts one occurrence of vec to cpu.
func (m *Model) Send(cpu int, vec Vector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.state(cpu); s != nil {
		s.pending[vec]++
	}
}

// Mask gates vec on cpu.
func (m *Model) Mask(cpu int, vec Vector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.state(cpu); s != nil {
		s.masked[vec] = true
	}
}

// Unmask reopens vec on cpu.
func (m *Model) Unmask(cpu int, vec Vector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.state(cpu); s != nil {
		delete(s.masked, vec)
	}
}

// Next returns the lowest deliverable pending vector and opens its
// in-service window.
func (m *Model) Next(cpu int) (Vector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(cpu)
	if s == nil {
		return 0, false
	}
	best, found := Vector(0), false
	for vec, n := range s.pending {
		if n == 0 || s.masked[vec] || s.inService[vec] {
			continue
		}
		if !found || vec < best {
			best, found = vec, true
		}
	}
	if !found {
		return 0, false
	}
	s.pending[best]--
	if s.pending[best] == 0 {
		delete(s.pending, best)
	}
	s.inService[best] = true
	return best, true
}

// Ack closes the in-service window for vec on cpu.
func (m *Model) Ack(cpu int, vec Vector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.state(cpu); s != nil {
		delete(s.inService, vec)
	}
}
