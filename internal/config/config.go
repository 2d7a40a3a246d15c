package config

import (
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// BinanceWebsocketURL is the binance exchange websocket url.
	BinanceWebsocketURL = "wss://stream.binance.com:9443/ws"
	// BinanceRESTBaseURL is the binance exchange base REST url.
	BinanceRESTBaseURL = "https://api.binance.com/api/v3/"
)

// Config contains config values for the app.
// Struct values are loaded from user defined JSON config file.
type Config struct {
	Exchanges  []Exchange `json:"exchanges"`
	Connection Connection `json:"connection"`
	Storage    Storage    `json:"storage"`
	Log        Log        `json:"log"`
}

// Exchange contains config values for different exchanges.
type Exchange struct {
	Name    string   `json:"name"`
	Markets []Market `json:"markets"`
	Retry   Retry    `json:"retry"`

	// RESTURL and WebsocketURL replace the default endpoints of the exchange when set.
	RESTURL      string `json:"rest_url"`
	WebsocketURL string `json:"websocket_url"`
}

// Market contains config values for different markets.
type Market struct {
	ID         string `json:"id"`
	CommitName string `json:"commit_name"`

	// PageSize is the maximum number of executions the exchange returns for one historical query.
	PageSize int `json:"page_size"`

	// SizeIncrement is the minimum tradable size, fast logs round sizes to it.
	SizeIncrement string `json:"size_increment"`

	// FromDaysAgo selects the first day to replay on start, 0 means today.
	FromDaysAgo int `json:"from_days_ago"`

	// Repository names the external historical repository, "mysql", "sqlite" or empty.
	Repository string `json:"repository"`

	// Storages lists the mirrors receiving durably written executions,
	// "terminal", "mysql", "sqlite" or "elastic_search".
	Storages []string `json:"storages"`
}

// Retry contains config values for retry process.
type Retry struct {
	Number   int `json:"number"`
	GapSec   int `json:"gap_sec"`
	ResetSec int `json:"reset_sec"`
}

// Connection contains config values for different API and storage connections.
type Connection struct {
	WS       WS       `json:"websocket"`
	REST     REST     `json:"rest"`
	Terminal Terminal `json:"terminal"`
	MySQL    MySQL    `json:"mysql"`
	SQLite   SQLite   `json:"sqlite"`
	ES       ES       `json:"elastic_search"`
}

// WS contains config values for websocket connection.
type WS struct {
	ConnTimeoutSec int `json:"conn_timeout_sec"`
	ReadTimeoutSec int `json:"read_timeout_sec"`
}

// REST contains config values for REST API connection.
type REST struct {
	ReqTimeoutSec       int `json:"request_timeout_sec"`
	MaxIdleConns        int `json:"max_idle_conns"`
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

// Terminal contains config values for terminal display.
type Terminal struct {
	TradeCommitBuf int `json:"trade_commit_buffer"`
}

// MySQL contains config values for mysql.
type MySQL struct {
	User               string `json:"user"`
	Password           string `json:"password"`
	URL                string `json:"URL"`
	Schema             string `json:"schema"`
	ReqTimeoutSec      int    `json:"request_timeout_sec"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	TradeCommitBuf     int    `json:"trade_commit_buffer"`
}

// SQLite contains config values for the embedded sqlite database.
type SQLite struct {
	Path           string `json:"path"`
	ReqTimeoutSec  int    `json:"request_timeout_sec"`
	TradeCommitBuf int    `json:"trade_commit_buffer"`
}

// ES contains config values for elastic search.
type ES struct {
	Addresses           []string `json:"addresses"`
	Username            string   `json:"username"`
	Password            string   `json:"password"`
	IndexName           string   `json:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host"`
	TradeCommitBuf      int      `json:"trade_commit_buffer"`
}

// Storage contains config values for the local execution logs.
type Storage struct {
	Dir                  string `json:"dir"`
	FlushInitialDelaySec int    `json:"flush_initial_delay_sec"`
	FlushIntervalSec     int    `json:"flush_interval_sec"`
	CompactDelaySec      int    `json:"compact_delay_sec"`
	CheckupOnStart       bool   `json:"checkup_on_start"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level"`
	FilePath string `json:"file_path"`
}

// Load reads the JSON config file, applies defaults and TRADELOG_ prefixed environment overrides
// (e.g. TRADELOG_LOG_LEVEL=debug) and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	v.SetEnvPrefix("TRADELOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cfg Config
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	})
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.applyMarketDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connection.websocket.conn_timeout_sec", 10)
	v.SetDefault("connection.websocket.read_timeout_sec", 0)
	v.SetDefault("connection.rest.request_timeout_sec", 10)
	v.SetDefault("connection.rest.max_idle_conns", 10)
	v.SetDefault("connection.rest.max_idle_conns_per_host", 2)
	v.SetDefault("connection.terminal.trade_commit_buffer", 1)
	v.SetDefault("connection.mysql.trade_commit_buffer", 100)
	v.SetDefault("connection.sqlite.trade_commit_buffer", 100)
	v.SetDefault("connection.elastic_search.trade_commit_buffer", 100)

	v.SetDefault("storage.dir", "./.log")
	v.SetDefault("storage.flush_initial_delay_sec", 60)
	v.SetDefault("storage.flush_interval_sec", 180)
	v.SetDefault("storage.compact_delay_sec", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "./tradelog.log")
}

// DefaultPageSize is used for markets without an explicit page size.
const DefaultPageSize = 1000

func (c *Config) applyMarketDefaults() {
	for i := range c.Exchanges {
		for j := range c.Exchanges[i].Markets {
			m := &c.Exchanges[i].Markets[j]
			if m.PageSize == 0 {
				m.PageSize = DefaultPageSize
			}
			if m.CommitName == "" {
				m.CommitName = m.ID
			}
		}
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Storage.Dir == "" {
		return errors.New("storage dir is empty")
	}
	if c.Storage.FlushIntervalSec < 1 {
		return errors.New("flush_interval_sec should be greater than zero")
	}
	if len(c.Exchanges) == 0 {
		return errors.New("no exchange configured")
	}
	for _, exch := range c.Exchanges {
		switch exch.Name {
		case "binance":
		case "":
			return errors.New("exchange name is empty")
		default:
			return errors.Errorf("unknown exchange %q", exch.Name)
		}
		if exch.Retry.Number < 0 {
			return errors.Errorf("%s : retry number should not be negative", exch.Name)
		}
		for _, market := range exch.Markets {
			if market.ID == "" {
				return errors.Errorf("%s : market id is empty", exch.Name)
			}
			if market.PageSize < 1 {
				return errors.Errorf("%s %s : page_size should be greater than zero", exch.Name, market.ID)
			}
			switch market.Repository {
			case "", "mysql", "sqlite":
			default:
				return errors.Errorf("%s %s : unknown repository %q", exch.Name, market.ID, market.Repository)
			}
			for _, str := range market.Storages {
				switch str {
				case "terminal", "mysql", "sqlite", "elastic_search":
				default:
					return errors.Errorf("%s %s : unknown storage %q", exch.Name, market.ID, str)
				}
			}
		}
	}
	return nil
}
