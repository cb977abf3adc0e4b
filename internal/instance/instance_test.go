package instance

import (
	"context"
	"testing"
	"time"

	"porthole/internal/global"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestLaunchRegistersAndCleansUpInstance(t *testing.T) {
	gm := global.New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Launch(ctx, gm, nil, nil, LaunchOpts{
			InstanceID: "inst-1",
			Command:    "/bin/cat",
			IsAgent:    true,
		})
	}()

	waitFor(t, func() bool {
		_, ok := gm.GetInstance("inst-1")
		return ok
	})

	it, ok := gm.GetInstance("inst-1")
	if !ok {
		t.Fatalf("expected inst-1 to be registered")
	}
	if it.FSM == nil {
		t.Fatalf("expected the instance to own a state machine")
	}

	if _, err := it.Handle.WriteInput([]byte("hi\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	cancel()
	<-done

	waitFor(t, func() bool {
		_, ok := gm.GetInstance("inst-1")
		return !ok
	})
}
