// Package command delivers server-to-device control messages, rate-limited
// per device and per issuing account.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/limiter"
	"github.com/fabkury/makapix-sub009/internal/model"
	"github.com/fabkury/makapix-sub009/internal/protocol"
	"github.com/fabkury/makapix-sub009/internal/registry"
)

// Publisher sends command envelopes to devices.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

var commandTypes = map[string]bool{
	model.CommandAdvance:       true,
	model.CommandPrevious:      true,
	model.CommandShow:          true,
	model.CommandSwitchChannel: true,
	model.CommandLoadPlayset:   true,
}

// Sender validates, rate-limits and publishes commands. It is safe for
// concurrent use.
type Sender struct {
	root         string
	pub          Publisher
	reg          registry.Registry
	lim          *limiter.Limiter
	deviceQuota  limiter.Quota
	accountQuota limiter.Quota
	logger       *log.Logger
}

func NewSender(root string, pub Publisher, reg registry.Registry, lim *limiter.Limiter, deviceQuota, accountQuota limiter.Quota, logger *log.Logger) *Sender {
	return &Sender{
		root:         root,
		pub:          pub,
		reg:          reg,
		lim:          lim,
		deviceQuota:  deviceQuota,
		accountQuota: accountQuota,
		logger:       logger,
	}
}

// Send issues one command to deviceKey on behalf of accountID (0 for
// platform-originated commands, which skip the account quota). It returns
// the generated command id.
func (s *Sender) Send(ctx context.Context, deviceKey string, accountID int64, commandType string, payload json.RawMessage) (string, error) {
	if deviceKey == "" {
		return "", gwerr.Validationf("command requires device_key")
	}
	if !commandTypes[commandType] {
		return "", gwerr.Validationf("unknown command_type %q", commandType)
	}

	dev, err := s.reg.Lookup(ctx, deviceKey)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			return "", gwerr.NotFoundf("device %s is not provisioned", deviceKey)
		}
		return "", gwerr.Internal(fmt.Errorf("registry lookup: %w", err))
	}
	if !dev.Registered {
		return "", gwerr.NotFoundf("device %s is not registered", deviceKey)
	}

	if d := s.lim.Allow(ctx, s.deviceQuota, deviceKey); !d.Allowed {
		return "", gwerr.RateLimited(d.RetryAfter)
	}
	if accountID > 0 {
		if d := s.lim.Allow(ctx, s.accountQuota, strconv.FormatInt(accountID, 10)); !d.Allowed {
			return "", gwerr.RateLimited(d.RetryAfter)
		}
	}

	env := protocol.CommandEnvelope{
		CommandID:   uuid.NewString(),
		CommandType: commandType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return "", gwerr.Internal(fmt.Errorf("marshal command: %w", err))
	}
	if err := s.pub.Publish(protocol.CommandTopic(s.root, deviceKey), buf); err != nil {
		return "", gwerr.Internal(fmt.Errorf("publish command: %w", err))
	}
	s.logger.Printf("command tx: device=%s type=%s id=%s account=%d", deviceKey, commandType, env.CommandID, accountID)
	return env.CommandID, nil
}
