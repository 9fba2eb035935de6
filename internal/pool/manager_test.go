package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewPoolManager(t *testing.T) {
	pm := NewPoolManager()
	if pm == nil {
		t.Fatal("expected non-nil pool manager")
	}
	if pm.pools == nil {
		t.Error("expected pools map to be initialized")
	}
}

func TestRegisterPool(t *testing.T) {
	pm := NewPoolManager()

	factory := func() any {
		return NewRecordBuffer()
	}

	if err := pm.RegisterPool(RecordBufferPoolName, 10, factory); err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	if err := pm.RegisterPool(RecordBufferPoolName, 10, factory); err == nil {
		t.Error("expected error when registering duplicate pool")
	}
}

func TestRegisterPoolInvalidCapacity(t *testing.T) {
	pm := NewPoolManager()

	factory := func() any {
		return NewRecordBuffer()
	}

	if err := pm.RegisterPool("buffers", 0, factory); err == nil {
		t.Error("expected error for zero capacity")
	}
	if err := pm.RegisterPool("buffers", -1, factory); err == nil {
		t.Error("expected error for negative capacity")
	}
}

func TestGetAndPutResetsBuffer(t *testing.T) {
	pm := NewPoolManager()

	err := pm.RegisterPool(RecordBufferPoolName, 5, func() any {
		return NewRecordBuffer()
	})
	if err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	ctx := context.Background()

	obj, err := pm.Get(ctx, RecordBufferPoolName)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	buffer, ok := obj.(*RecordBuffer)
	if !ok {
		t.Fatalf("expected *RecordBuffer, got %T", obj)
	}

	copy(buffer.Extend(4), []byte{1, 2, 3, 4})
	pm.Put(RecordBufferPoolName, obj)

	obj2, err := pm.Get(ctx, RecordBufferPoolName)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	buffer2, ok := obj2.(*RecordBuffer)
	if !ok {
		t.Fatalf("expected *RecordBuffer, got %T", obj2)
	}
	if len(buffer2.Bytes()) != 0 {
		t.Errorf("expected reset buffer, got %d bytes", len(buffer2.Bytes()))
	}
	pm.Put(RecordBufferPoolName, obj2)
}

func TestGetNonExistentPool(t *testing.T) {
	pm := NewPoolManager()

	_, err := pm.Get(context.Background(), "non-existent")
	if err == nil {
		t.Fatal("expected error for non-existent pool")
	}
	if !errors.Is(err, ErrPoolNotRegistered) {
		t.Errorf("expected ErrPoolNotRegistered, got %v", err)
	}
}

func TestGetBlocksUntilReturned(t *testing.T) {
	pm := NewPoolManager()

	err := pm.RegisterPool(RecordBufferPoolName, 1, func() any {
		return NewRecordBuffer()
	})
	if err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	ctx := context.Background()
	obj, err := pm.Get(ctx, RecordBufferPoolName)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pm.Get(waitCtx, RecordBufferPoolName); err == nil {
		t.Fatal("expected exhausted pool to block until context deadline")
	}

	pm.Put(RecordBufferPoolName, obj)

	obj2, err := pm.Get(ctx, RecordBufferPoolName)
	if err != nil {
		t.Fatalf("Get after Put failed: %v", err)
	}
	pm.Put(RecordBufferPoolName, obj2)
}

func TestAcquireRecordBufferWithoutManager(t *testing.T) {
	buffer, release, err := AcquireRecordBuffer(context.Background(), nil)
	if err != nil {
		t.Fatalf("AcquireRecordBuffer failed: %v", err)
	}
	defer release()
	if buffer == nil {
		t.Fatal("expected non-nil buffer")
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	pm := NewPoolManager()

	err := pm.RegisterPool(RecordBufferPoolName, 2, func() any {
		return NewRecordBuffer()
	})
	if err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	obj, err := pm.Get(context.Background(), RecordBufferPoolName)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pm.Shutdown(shutdownCtx); err == nil {
		t.Fatal("expected shutdown timeout while object outstanding")
	}

	pm.Put(RecordBufferPoolName, obj)
}
