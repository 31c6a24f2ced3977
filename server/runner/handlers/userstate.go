package handlers

import (
	"context"

	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/messaging"
	redisdb "github.com/THPTUHA/relay/server/pkg/redis"
	"github.com/THPTUHA/relay/server/runner"
	"github.com/go-redis/redis/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const presenceKeyPrefix = "presence:"

type counter interface {
	HIncrBy(key, field string, incr int64) *redis.IntCmd
}

// userState keeps, per identity, a hash of gateway -> open connections.
// Events are applied as increments so that workers processing them out of
// order still converge; a count of zero or less means offline.
type userState struct {
	store counter
	log   *logrus.Entry
}

func newUserState(cfg *config.Configs, log *logrus.Entry) (*runner.Module, error) {
	u := &userState{
		store: redisdb.NewRedisDB(cfg),
		log:   log,
	}
	return &runner.Module{
		Queue:    config.UserStateQueue,
		Durable:  true,
		Callback: u.callback,
	}, nil
}

func (u *userState) callback(ctx context.Context, d amqp.Delivery) {
	ev, err := messaging.DecodePresence(d.Body)
	if err != nil {
		u.log.WithError(err).Warn("dropping presence event")
		return
	}

	var incr int64 = 1
	if ev.Status == messaging.StatusDisconnected {
		incr = -1
	}
	n, err := u.store.HIncrBy(presenceKeyPrefix+ev.ID, ev.ServerInfo, incr).Result()
	if err != nil {
		u.log.WithError(err).WithField("identity", ev.ID).Error("presence update failed")
		return
	}
	u.log.WithFields(logrus.Fields{
		"identity": ev.ID,
		"server":   ev.ServerInfo,
		"status":   ev.Status.String(),
		"conns":    n,
	}).Debug("presence updated")
}
