package errkind

import (
	"errors"
	"testing"
)

func TestWrapAndOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Transport, base)
	if Of(wrapped) != Transport {
		t.Errorf("Of(wrapped) = %v, want %v", Of(wrapped), Transport)
	}
	if !errors.Is(wrapped, base) {
		t.Errorf("wrapped error does not unwrap to base")
	}
}

func TestWrapKeepsFirstClassification(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Storage, base)
	rewrapped := Wrap(Transport, wrapped)
	if Of(rewrapped) != Storage {
		t.Errorf("Of(rewrapped) = %v, want original classification %v", Of(rewrapped), Storage)
	}
}

func TestOfUnclassified(t *testing.T) {
	if Of(errors.New("plain")) != "" {
		t.Error("Of on an unclassified error should return empty Kind")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Transport, nil) != nil {
		t.Error("Wrap(kind, nil) should return nil")
	}
}
