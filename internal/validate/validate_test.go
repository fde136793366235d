package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type activationInput struct {
	DeviceKey string `validate:"required,devicekey"`
	TokenCode string `validate:"required"`
	Branch    string `validate:"omitempty,branch"`
}

func TestDeviceKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"valid", "ABCDEF123456", ""},
		{"lowercase rejected", "abcdef123456", "device_key must be 6-32 uppercase letters or digits"},
		{"too short", "AB12", "device_key must be 6-32 uppercase letters or digits"},
		{"empty", "", "device_key is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(&activationInput{DeviceKey: tt.key, TokenCode: "tok"})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBranch(t *testing.T) {
	valid := []string{"main", "develop", "feature/port-reclaim", "release-1.2", "v1.2.3"}
	for _, b := range valid {
		err := Struct(&activationInput{DeviceKey: "ABCDEF123456", TokenCode: "tok", Branch: b})
		assert.NoError(t, err, "branch %q should be valid", b)
	}

	invalid := []string{"-leading-dash", "a..b", "has space", "semi;colon"}
	for _, b := range invalid {
		err := Struct(&activationInput{DeviceKey: "ABCDEF123456", TokenCode: "tok", Branch: b})
		assert.Error(t, err, "branch %q should be rejected", b)
	}
}
