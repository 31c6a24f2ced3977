package config

import (
	"fmt"
	"net/url"
	"time"
)

var (
	RelayGateway  = "gateway"
	RelayConsumer = "consumer"
)

// Queue and exchange names shared with the message delivery side.
const (
	UserStateQueue     = "--user-state"
	NewMessageExchange = "--new-message"
	NewMessageGroup    = "--new-message-group"
)

const (
	DefaultRetryDelay = 5 * time.Second
	DefaultWorkers    = 64
)

type Configs struct {
	LogLevel   string `yaml:"log_level"`
	ServerInfo string `yaml:"server_info"`
	RabbitMQ   struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Vhost    string `yaml:"vhost"`
	}
	Gateway struct {
		Port          int           `yaml:"port"`
		Path          string        `yaml:"path"`
		DeliveryQueue string        `yaml:"delivery_queue"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		ReadLimit     int64         `yaml:"read_limit"`
		// AllowedOrigins are browser origin hosts accepted besides the
		// gateway's own host.
		AllowedOrigins []string `yaml:"allowed_origins"`
	}
	Consumer struct {
		Workers    int           `yaml:"workers"`
		RetryDelay time.Duration `yaml:"retry_delay"`
	}
	Redis struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Password string `yaml:"password"`
	}
}

// SetDefaults fills every zero value that has a sensible default.
func (c *Configs) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RabbitMQ.Host == "" {
		c.RabbitMQ.Host = "localhost"
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.Username == "" {
		c.RabbitMQ.Username = "guest"
		c.RabbitMQ.Password = "guest"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8000
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/ws/chat"
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = time.Second
	}
	if c.Gateway.ReadLimit == 0 {
		c.Gateway.ReadLimit = 65536
	}
	if c.Consumer.Workers == 0 {
		c.Consumer.Workers = DefaultWorkers
	}
	if c.Consumer.RetryDelay == 0 {
		c.Consumer.RetryDelay = DefaultRetryDelay
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
}

// BrokerURL returns the AMQP URL for the given host and port using the
// configured credentials and vhost.
func (c *Configs) BrokerURL(host string, port int) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQ.Username, c.RabbitMQ.Password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + c.RabbitMQ.Vhost,
	}
	return u.String()
}

// DeliveryQueue is the queue this gateway consumes chat messages from.
func (c *Configs) DeliveryQueue() string {
	if c.Gateway.DeliveryQueue != "" {
		return c.Gateway.DeliveryQueue
	}
	return NewMessageExchange + "." + c.ServerInfo
}
