package cpu

import (
	"errors"
	"testing"
)

func TestCoreFor(t *testing.T) {
	n := NumCPU()

	tests := []struct {
		index int
		want  int
	}{
		{0, 0},
		{n, 0},
		{n + 1, 1 % n},
		{-1, 1 % n},
	}

	for _, tt := range tests {
		if got := coreFor(tt.index); got != tt.want {
			t.Errorf("coreFor(%d) = %d, want %d", tt.index, got, tt.want)
		}
	}
}

func TestPin(t *testing.T) {
	done := make(chan error, 1)

	go func() {
		release, err := Pin(0)
		defer release()
		done <- err
	}()

	if err := <-done; err != nil && !errors.Is(err, ErrPinningUnsupported) {
		t.Logf("pinning failed in this environment: %v", err)
	}
}
