package alter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdown_ReverseOrder(t *testing.T) {
	c := NewShutdownCoordinator()
	var order []string
	for _, name := range []string{"store", "bus", "http"} {
		name := name
		c.OnShutdown(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"http", "bus", "store"}
	if len(order) != len(want) {
		t.Fatalf("ran %d hooks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("hook %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdown_FailureDoesNotStopTheRest(t *testing.T) {
	c := NewShutdownCoordinator()
	var ran []string
	c.OnShutdown("first", func(context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	c.OnShutdown("breaks", func(context.Context) error {
		ran = append(ran, "breaks")
		return errors.New("refused")
	})
	c.OnShutdown("panics", func(context.Context) error {
		ran = append(ran, "panics")
		panic("teardown bug")
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(ran) != 3 {
		t.Errorf("ran %v, want all three hooks", ran)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	c := NewShutdownCoordinator()
	count := 0
	c.OnShutdown("once", func(context.Context) error {
		count++
		return nil
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if count != 1 {
		t.Errorf("hook ran %d times, want 1", count)
	}
}

func TestShutdown_IsShuttingDownAndDone(t *testing.T) {
	c := NewShutdownCoordinator()
	if c.IsShuttingDown() {
		t.Error("IsShuttingDown true before Shutdown")
	}
	started := make(chan struct{})
	release := make(chan struct{})
	c.OnShutdown("slow", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	go c.Shutdown(context.Background())
	<-started

	if !c.IsShuttingDown() {
		t.Error("IsShuttingDown false while hooks run")
	}
	select {
	case <-c.Done():
		t.Error("Done closed before hooks finished")
	default:
	}

	close(release)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed")
	}
}

func TestShutdown_LateRegistrationDropped(t *testing.T) {
	c := NewShutdownCoordinator()
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	ran := false
	c.OnShutdown("late", func(context.Context) error {
		ran = true
		return nil
	})
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if ran {
		t.Error("late hook ran")
	}
}
