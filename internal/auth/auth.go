package auth

import (
	"context"
	"fmt"
	"strings"
)

// Identity names the authenticated API client.
type Identity struct {
	Client string
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator resolves keys from a fixed key:client spec. It is the
// whole auth story for deployments that front the service with a gateway.
type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:client", entry)
		}
		key := strings.TrimSpace(parts[0])
		client := strings.TrimSpace(parts[1])
		if key == "" || client == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/client", entry)
		}
		validator.keys[key] = Identity{Client: client}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
