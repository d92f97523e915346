package inspect

import (
	"testing"
	"time"
)

func TestAwaitResumeReturnsTrueAfterResume(t *testing.T) {
	c := NewControl()
	c.RequestPause()

	done := make(chan bool, 1)
	go func() { done <- c.AwaitResume() }()

	select {
	case <-done:
		t.Fatal("AwaitResume returned while still paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("AwaitResume = false, want true after resume")
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitResume did not wake up")
	}
}

func TestAwaitResumeReturnsFalseOnCancel(t *testing.T) {
	c := NewControl()
	c.RequestPause()

	done := make(chan bool, 1)
	go func() { done <- c.AwaitResume() }()

	c.Cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("AwaitResume = true, want false after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitResume did not wake up on cancel")
	}
}

func TestAwaitResumeWithoutPauseReturnsImmediately(t *testing.T) {
	c := NewControl()
	if !c.AwaitResume() {
		t.Fatal("AwaitResume = false on fresh control")
	}
}
