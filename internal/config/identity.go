package config

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/fulmenhq/gofulmen/appidentity"
)

//go:embed app.yaml
var embeddedIdentity []byte

var appIdentity *appidentity.Identity

func init() {
	if err := appidentity.RegisterEmbeddedIdentityYAML(embeddedIdentity); err != nil {
		panic(fmt.Sprintf("config: embedded app identity: %v", err))
	}
}

// GetAppIdentity returns the identity resolved by the last Load, or nil.
func GetAppIdentity() *appidentity.Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// loadIdentity resolves the application identity once. A .fulmen/app.yaml
// found by discovery wins over the compiled-in one.
func loadIdentity(ctx context.Context) (*appidentity.Identity, error) {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id != nil {
		return id, nil
	}

	id, err := appidentity.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("app identity: %w", err)
	}

	configMu.Lock()
	appIdentity = id
	configMu.Unlock()
	return id, nil
}
