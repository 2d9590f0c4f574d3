package utils

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// Actor is the acting user as reported by the identity collaborator.
type Actor struct {
	UID         string
	DisplayName string
	Email       string
}

func ActorFromContext(ctx context.Context) Actor {
	var actor Actor
	if uid, ok := GetUserIdFromContext(ctx); ok {
		actor.UID = uid
	}
	if name, ok := GetUserNameFromContext(ctx); ok {
		actor.DisplayName = name
	}
	return actor
}

// Identity is the authentication collaborator. Kicking a device requires a
// fresh credential challenge, so a stolen session cannot evict devices.
type Identity interface {
	CurrentActor() Actor
	Reauthenticate(ctx context.Context, password string) error
}

func HashPassword(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

func ComparePassword(hashed string, normal string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(normal))
}

// StaticIdentity is a bcrypt-backed Identity for single-operator deployments
// and tests. Production wires the real auth provider instead.
type StaticIdentity struct {
	Actor        Actor
	PasswordHash []byte
}

func (s *StaticIdentity) CurrentActor() Actor { return s.Actor }

func (s *StaticIdentity) Reauthenticate(_ context.Context, password string) error {
	if err := ComparePassword(string(s.PasswordHash), password); err != nil {
		return WrapKind(KindPermissionDenied, err)
	}
	return nil
}
