// Package config reads the service configuration from the environment.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config contains all of the configuration for running the service.
type Config struct {
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	InstanceID    string
	InstanceForce bool

	PollInterval      time.Duration
	ThrottleEnabled   bool
	ThrottleTPS       int
	ThrottlePeriod    time.Duration
	RedeliveryDelay   time.Duration
	RedeliveryBackoff time.Duration
	RecoveryEnabled   bool
	Workers           int
	ShutdownTimeout   time.Duration

	RejectOnUnavailable bool
	LocalDir            string
	ConnCheckPeriod     time.Duration

	HTTPAddress string

	ConsumerRoute       string
	ConsumerExchange    string
	ConsumerConcurrency int
	ConsumerMaxDelivery int
}

// Load reads a .env file from the working directory, if there is one, and
// then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Config{}, errors.Wrap(err, "unable to load .env file")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the environment only.
func FromEnv() (Config, error) {
	var (
		c  Config
		ev = envReader{}
	)
	c.RedisAddress = ev.getString("REDIS_ADDRESS", "")
	c.RedisPassword = ev.getString("REDIS_PASSWORD", "")
	c.RedisDB = ev.getInt("REDIS_DB", 0)

	c.InstanceID = ev.getString("BLAZE_INSTANCE_ID", "")
	c.InstanceForce = ev.getBool("BLAZE_INSTANCE_FORCE", false)

	c.PollInterval = ev.getDuration("BLAZE_POLL_INTERVAL", time.Second)
	c.ThrottleEnabled = ev.getBool("BLAZE_THROTTLE_ENABLED", false)
	c.ThrottleTPS = ev.getInt("BLAZE_THROTTLE_TPS", 1000)
	c.ThrottlePeriod = ev.getDuration("BLAZE_THROTTLE_PERIOD", time.Second)
	c.RedeliveryDelay = ev.getDuration("BLAZE_REDELIVERY_DELAY", time.Second)
	c.RedeliveryBackoff = ev.getDuration("BLAZE_REDELIVERY_BACKOFF", 0)
	c.RecoveryEnabled = ev.getBool("BLAZE_RECOVERY_ENABLED", false)
	c.Workers = ev.getInt("BLAZE_WORKERS", runtime.NumCPU())
	c.ShutdownTimeout = ev.getDuration("BLAZE_SHUTDOWN_TIMEOUT", 10*time.Second)

	c.RejectOnUnavailable = ev.getBool("BLAZE_REJECT_ON_UNAVAILABLE", true)
	c.LocalDir = ev.getString("BLAZE_LOCAL_DIR", "./data")
	c.ConnCheckPeriod = ev.getDuration("BLAZE_CONN_CHECK_PERIOD", 5*time.Second)

	c.HTTPAddress = ev.getString("BLAZE_HTTP_ADDRESS", "0.0.0.0:8080")

	c.ConsumerRoute = ev.getString("BLAZE_CONSUMER_ROUTE", "")
	c.ConsumerExchange = ev.getString("BLAZE_CONSUMER_EXCHANGE", "default")
	c.ConsumerConcurrency = ev.getInt("BLAZE_CONSUMER_CONCURRENCY", 1)
	c.ConsumerMaxDelivery = ev.getInt("BLAZE_CONSUMER_MAX_DELIVERY", 3)

	if ev.err != nil {
		return Config{}, ev.err
	}
	if c.RedisAddress == "" {
		return Config{}, errors.New("missing Redis address")
	}
	if c.InstanceID == "" {
		return Config{}, errors.New("missing instance id")
	}
	if c.ThrottleEnabled && (c.ThrottleTPS < 1 || c.ThrottlePeriod <= 0) {
		return Config{}, errors.Errorf("invalid throttle of %d per %s", c.ThrottleTPS, c.ThrottlePeriod)
	}
	return c, nil
}

// envReader keeps the first parse error so that all variables can be read in
// sequence.
type envReader struct {
	err error
}

func (e *envReader) getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = errors.Wrapf(err, "invalid value %q for %s", v, key)
	}
}

func (e *envReader) getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

// getDuration accepts Go duration syntax or a plain number of milliseconds.
func (e *envReader) getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}
