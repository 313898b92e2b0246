package plugin

import (
	"fmt"

	"github.com/enclave-dev/enclave/limits"
	"github.com/enclave-dev/enclave/sandbox"
	"github.com/enclave-dev/enclave/validator"
)

// Requirements is the manifest a plugin supplies before it is mounted:
// resource ceilings, network policy and context permissions. It is validated
// before any process is spawned.
type Requirements struct {
	Name        string                `json:"name" msgpack:"name" validate:"required,min=1,max=64"`
	Version     string                `json:"version" msgpack:"version" validate:"required"`
	Limits      limits.ResourceLimits `json:"limits" msgpack:"limits"`
	Network     sandbox.NetworkConfig `json:"network" msgpack:"network"`
	Permissions ContextPermissions    `json:"permissions" msgpack:"permissions"`
}

// DefaultRequirements returns a manifest with conservative defaults for
// plugins that declare nothing: default limits, loopback-only networking and
// no context access.
func DefaultRequirements(name, version string) Requirements {
	return Requirements{
		Name:    name,
		Version: version,
		Limits:  limits.Default(),
		Network: sandbox.DefaultNetworkConfig(),
	}
}

// Validate checks the manifest. Limit violations here block mounting and are
// never retried.
func (r *Requirements) Validate() error {
	if err := validator.ValidateStructErr(r); err != nil {
		return &Error{Kind: KindLoad, Plugin: r.Name, Msg: "invalid manifest", Err: err}
	}
	if err := r.Limits.Validate(); err != nil {
		return &Error{Kind: KindResourceLimit, Plugin: r.Name, Err: err}
	}
	if r.Network.AllowAllOutbound && len(r.Network.Targets) > 0 {
		return &Error{Kind: KindLoad, Plugin: r.Name,
			Msg: fmt.Sprintf("network policy declares %d targets but allows all outbound", len(r.Network.Targets))}
	}
	return nil
}
