// Package registry reads provisioned device identities. Provisioning and
// credential issuance happen outside the gateway; this is a read-only lookup.
package registry

import (
	"context"
	"errors"

	"github.com/fabkury/makapix-sub009/internal/model"
)

// ErrUnknownDevice reports a device key the platform has never provisioned.
var ErrUnknownDevice = errors.New("unknown device key")

// Registry resolves a device key to its identity record.
type Registry interface {
	Lookup(ctx context.Context, deviceKey string) (*model.DeviceIdentity, error)
}
