package intr

import "testing"

func TestModel_SendNextAck(t *testing.T) {
	m := NewModel(2)
	m.Send(1, VecTaskMigrate)
	if _, ok := m.Next(0); ok {
		t.Fatal("vector delivered to the wrong CPU")
	}
	vec, ok := m.Next(1)
	if !ok || vec != VecTaskMigrate {
		t.Fatalf("next = %v %v", vec, ok)
	}
	// In service: a second occurrence holds until Ack.
	m.Send(1, VecTaskMigrate)
	if _, ok := m.Next(1); ok {
		t.Fatal("vector delivered while in service")
	}
	m.Ack(1, VecTaskMigrate)
	if _, ok := m.Next(1); !ok {
		t.Fatal("pending occurrence lost across Ack")
	}
}

func TestModel_MaskHoldsPending(t *testing.T) {
	m := NewModel(1)
	m.Mask(0, VecTimer)
	m.Send(0, VecTimer)
	if _, ok := m.Next(0); ok {
		t.Fatal("masked vector delivered")
	}
	m.Unmask(0, VecTimer)
	vec, ok := m.Next(0)
	if !ok || vec != VecTimer {
		t.Fatalf("next after unmask = %v %v", vec, ok)
	}
}

func TestModel_LowestVectorFirst(t *testing.T) {
	m := NewModel(1)
	m.Send(0, VecTaskMigrate)
	m.Send(0, VecTimer)
	vec, ok := m.Next(0)
	if !ok || vec != VecTimer {
		t.Fatalf("next = %v, want the lower timer vector", vec)
	}
}
