// internal/pipeline/identify.go
package pipeline

import (
	"context"
	"strings"

	"github.com/user/flowgate/internal/types"
)

// instancePrefixes are provider-specific prefixes some gateways prepend to
// instance ids; normalized matching ignores them.
var instancePrefixes = []string{"wa-", "inst-", "channel-"}

func normalizeInstance(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	for _, p := range instancePrefixes {
		lower = strings.TrimPrefix(lower, p)
	}
	return lower
}

// identifyChannel matches the normalized message's identity hints against
// the configured channels of its type, trying strategies in priority
// order: instance-id exact, instance-id normalized, account id, phone
// number. No match returns nil: routing degrades to channel type only.
func identifyChannel(ctx context.Context, store types.ConversationStore, in *Incoming) (*types.ChannelConfig, error) {
	configs, err := store.ChannelConfigs(ctx, in.ChannelType)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}

	if in.InstanceID != "" {
		for _, cc := range configs {
			if cc.InstanceID == in.InstanceID {
				return cc, nil
			}
		}
		normalized := normalizeInstance(in.InstanceID)
		for _, cc := range configs {
			if cc.InstanceID != "" && normalizeInstance(cc.InstanceID) == normalized {
				return cc, nil
			}
		}
	}
	if in.AccountID != "" {
		for _, cc := range configs {
			if cc.AccountID == in.AccountID {
				return cc, nil
			}
		}
	}
	if in.PhoneNumber != "" {
		phone := normalizePhone(in.PhoneNumber)
		for _, cc := range configs {
			if cc.PhoneNumber != "" && normalizePhone(cc.PhoneNumber) == phone {
				return cc, nil
			}
		}
	}
	return nil, nil
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
