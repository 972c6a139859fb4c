package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  New(KindEncoding, "empty segment"),
			want: "encoding: empty segment",
		},
		{
			name: "with sequence",
			err:  New(KindTransportTimeout, "no ack within 5s").WithSequence(3),
			want: "transport_timeout: no ack within 5s (sequence 3)",
		},
		{
			name: "with cause",
			err:  Wrap(KindCapture, errors.New("device busy"), "open input"),
			want: "capture: open input: device busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("dispatch: %w", Wrap(KindRemoteRejection, cause, "rejected"))

	if !errors.Is(err, New(KindRemoteRejection, "")) {
		t.Error("Expected errors.Is to match by kind")
	}
	if errors.Is(err, New(KindTransportTimeout, "")) {
		t.Error("Expected errors.Is not to match a different kind")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the wrapped cause")
	}
	if KindOf(err) != KindRemoteRejection {
		t.Errorf("Expected kind %s, got %s", KindRemoteRejection, KindOf(err))
	}
	if KindOf(cause) != "" {
		t.Errorf("Expected empty kind for plain error, got %s", KindOf(cause))
	}
}

func TestHaltsQueue(t *testing.T) {
	halting := []Kind{KindTransportTimeout, KindRemoteRejection, KindTransport}
	for _, k := range halting {
		if !k.HaltsQueue() {
			t.Errorf("Expected %s to halt the queue", k)
		}
	}
	for _, k := range []Kind{KindCapture, KindEncoding, KindMalformedResult} {
		if k.HaltsQueue() {
			t.Errorf("Expected %s not to halt the queue", k)
		}
	}
}
