package config

import (
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/livekit/whep/pkg/errors"
)

const (
	DefaultICEGatheringTimeout = 10 * time.Second
	DefaultHTTPTimeout         = 10 * time.Second
	DefaultRetryDelay          = 5 * time.Second
	DefaultRetryMaxDelay       = 30 * time.Second
	DefaultMaxRetries          = 10

	// UnlimitedRetries keeps posting the offer until the session is closed.
	UnlimitedRetries = -1
)

type RetryPolicy string

const (
	RetryPolicyConstant    RetryPolicy = "constant"
	RetryPolicyExponential RetryPolicy = "exponential"
)

type Config struct {
	Endpoint    string `yaml:"endpoint"`     // required (env WHEP_ENDPOINT)
	BearerToken string `yaml:"bearer_token"` // env WHEP_BEARER_TOKEN

	ICEGatheringTimeout time.Duration `yaml:"ice_gathering_timeout"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	Retry               RetryConfig   `yaml:"retry"`

	ICEServers              []ICEServer `yaml:"ice_servers"`
	ICEPortRange            []uint16    `yaml:"ice_port_range"`
	EnableLoopbackCandidate bool        `yaml:"enable_loopback_candidate"`

	PrometheusPort int           `yaml:"prometheus_port"`
	Logging        logger.Config `yaml:"logging"`

	// internal
	NodeID string `yaml:"-"`
}

type RetryConfig struct {
	Policy     RetryPolicy   `yaml:"policy"`
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"` // -1 for no limit
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// NewConfig parses a yaml config. Overrides run after parsing, before defaults
// are applied and the config is validated.
func NewConfig(confString string, overrides ...func(*Config)) (*Config, error) {
	conf := &Config{
		Endpoint:    os.Getenv("WHEP_ENDPOINT"),
		BearerToken: os.Getenv("WHEP_BEARER_TOKEN"),
		Logging: logger.Config{
			Level: "info",
		},
		NodeID: utils.NewGuid("NE_"),
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	for _, override := range overrides {
		override(conf)
	}

	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	conf.InitLogger()
	return conf, nil
}

func (c *Config) ApplyDefaults() {
	if c.ICEGatheringTimeout == 0 {
		c.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.Retry.Policy == "" {
		c.Retry.Policy = RetryPolicyConstant
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = DefaultRetryDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.ErrNoEndpoint
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.ErrCouldNotParseConfig(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.ErrCouldNotParseConfig(errors.New("endpoint must be an http(s) URL"))
	}

	switch c.Retry.Policy {
	case RetryPolicyConstant, RetryPolicyExponential:
	default:
		return errors.ErrCouldNotParseConfig(errors.New("unknown retry policy " + string(c.Retry.Policy)))
	}
	if c.Retry.MaxRetries < UnlimitedRetries {
		return errors.ErrCouldNotParseConfig(errors.New("max_retries must be -1 or positive"))
	}
	if len(c.ICEPortRange) != 0 && len(c.ICEPortRange) != 2 {
		return errors.ErrCouldNotParseConfig(errors.New("ice_port_range must have 2 entries"))
	}

	return nil
}

func (c *Config) InitLogger() {
	logger.InitFromConfig(&c.Logging, "whep")
}
