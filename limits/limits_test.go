package limits

import (
	"errors"
	"testing"

	"github.com/flynn/noise"
)

// TestMaxFrameSizeMatchesNoise verifies the frame limit equals the Noise
// transport message limit.
func TestMaxFrameSizeMatchesNoise(t *testing.T) {
	if MaxFrameSize != noise.MaxMsgLen {
		t.Errorf("MaxFrameSize = %d, want %d (noise.MaxMsgLen)", MaxFrameSize, noise.MaxMsgLen)
	}
	if MaxPlaintextMessage+EncryptionOverhead != MaxFrameSize {
		t.Errorf("MaxPlaintextMessage + EncryptionOverhead = %d, want %d",
			MaxPlaintextMessage+EncryptionOverhead, MaxFrameSize)
	}
}

func TestValidatePlaintextMessage(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrMessageEmpty},
		{"one byte", 1, nil},
		{"at limit", MaxPlaintextMessage, nil},
		{"over limit", MaxPlaintextMessage + 1, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlaintextMessage(make([]byte, tt.size))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePlaintextMessage(%d bytes) = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrameLength(t *testing.T) {
	if err := ValidateFrameLength(0); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("zero length: got %v", err)
	}
	if err := ValidateFrameLength(MaxFrameSize); err != nil {
		t.Errorf("max length rejected: %v", err)
	}
	if err := ValidateFrameLength(MaxFrameSize + 1); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized length: got %v", err)
	}
}

func TestValidateMessageSize(t *testing.T) {
	if err := ValidateMessageSize([]byte("abc"), 3); err != nil {
		t.Errorf("exact size rejected: %v", err)
	}
	if err := ValidateMessageSize([]byte("abcd"), 3); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized message: got %v", err)
	}
	if err := ValidateMessageSize(nil, 3); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty message: got %v", err)
	}
}

func TestValidateFrame(t *testing.T) {
	if err := ValidateFrame(make([]byte, MaxFrameSize)); err != nil {
		t.Errorf("max frame rejected: %v", err)
	}
	if err := ValidateFrame(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized frame: got %v", err)
	}
	if err := ValidateFrame(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty frame: got %v", err)
	}
}
