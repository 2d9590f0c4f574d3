package presence

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceIdentity is the stable per-installation identity. It is an explicit
// value handed to the Manager at construction; nothing in this package reads
// ambient global state to find out "which device am I".
type DeviceIdentity struct {
	DeviceId  string `json:"deviceId"`
	Name      string `json:"name"`
	UserAgent string `json:"userAgent"`
}

// LoadIdentity returns the identity persisted at path, minting and saving a
// fresh one on first run. The id must survive restarts: a device that changes
// id on every launch would burn through the tenant's lease slots.
func LoadIdentity(path, name, userAgent string) (DeviceIdentity, error) {
	ident := DeviceIdentity{Name: name, UserAgent: userAgent}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var stored DeviceIdentity
		if jsonErr := json.Unmarshal(raw, &stored); jsonErr == nil && strings.TrimSpace(stored.DeviceId) != "" {
			ident.DeviceId = stored.DeviceId
			if ident.Name == "" {
				ident.Name = stored.Name
			}
			if ident.UserAgent == "" {
				ident.UserAgent = stored.UserAgent
			}
			return ident, nil
		}
		// Corrupt file: fall through and re-mint.
	case errors.Is(err, fs.ErrNotExist):
	default:
		return DeviceIdentity{}, err
	}

	ident.DeviceId = uuid.NewString()
	if hn, hErr := os.Hostname(); hErr == nil && ident.Name == "" {
		ident.Name = hn
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return DeviceIdentity{}, mkErr
	}
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return DeviceIdentity{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return DeviceIdentity{}, err
	}
	return ident, nil
}
