package config

import (
	"context"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/directory"
)

// NewDirectory builds the directory adapter for role. The memory driver keeps
// identities in process and is meant for local runs.
func (c *Config) NewDirectory(ctx context.Context, role Role) (directory.Directory, error) {
	if err := c.RequireDirectory(role); err != nil {
		return nil, err
	}
	if c.Directory.Driver == DriverMemory {
		log.WithField("role", role).Warn("using in-memory directory")
		return directory.NewMemory(), nil
	}
	pool, region := c.Directory.Pool(role)
	return directory.NewCognitoFromConfig(ctx, region, pool, c.SDKAttempts(role))
}

// SDKAttempts is the attempt count handed to the AWS SDK retryer. The
// replicator's applier owns retries for the secondary directory, so unless set
// explicitly the SDK makes a single attempt there. Zero keeps the SDK default.
func (c *Config) SDKAttempts(role Role) int {
	if role == Secondary && c.Directory.MaxAttempts == 0 {
		return 1
	}
	return c.Directory.MaxAttempts
}

// NewRedisClient builds a client from the configured connection string. The
// caller closes it.
func (c *Config) NewRedisClient() (*redis.Client, error) {
	if err := c.RequireRedis(); err != nil {
		return nil, err
	}
	opts, err := RedisOptions(c.Redis.ConnectionString)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
