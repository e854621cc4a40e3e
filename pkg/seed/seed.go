// Package seed populates an empty save with the default services and
// operator user before the server accepts connections.
package seed

import (
	"fmt"

	"github.com/cuemby/tempo/pkg/auth"
	"github.com/cuemby/tempo/pkg/log"
	"github.com/cuemby/tempo/pkg/storage"
	"github.com/cuemby/tempo/pkg/types"
)

// DefaultServices are created on first boot.
var DefaultServices = []string{
	"Internal",
	"Client A",
	"Client B",
}

// DefaultUser is the first operator identity.
const (
	DefaultUser     = "operator"
	DefaultPassword = "changeme"
)

// EnsureDefaults seeds services and the operator user when the store
// has never held any entities. Runs to completion before the listener
// starts; a failure here is a boot error.
func EnsureDefaults(save *storage.SaveFile) error {
	empty, err := save.Empty()
	if err != nil {
		return fmt.Errorf("failed to inspect save file: %w", err)
	}
	if !empty {
		return nil
	}

	logger := log.WithComponent("seed")

	for _, name := range DefaultServices {
		svc := &types.Service{ID: types.NewID(), Name: name}
		if err := save.PutService(svc); err != nil {
			return fmt.Errorf("failed to seed service %q: %w", name, err)
		}
		logger.Info().Str("service", name).Msg("seeded service")
	}

	salt, hash, err := auth.HashPassword(DefaultPassword)
	if err != nil {
		return fmt.Errorf("failed to hash default password: %w", err)
	}
	user := &types.User{
		ID:       types.NewID(),
		Username: DefaultUser,
		PassSalt: salt,
		PassHash: hash,
	}
	if err := save.PutUser(user); err != nil {
		return fmt.Errorf("failed to seed user %q: %w", DefaultUser, err)
	}
	logger.Info().Str("user", DefaultUser).Msg("seeded default user; change the password")

	return nil
}
