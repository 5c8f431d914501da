package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	flag "github.com/spf13/pflag"
)

// Config holds the process-level settings of the relay. Service sections
// (StdRESTful and friends) are kept verbatim in Services.
type Config struct {
	Config_Dir         string `mapstructure:"CONFIG_DIR"`
	MQTT_Broker        string `mapstructure:"MQTT_BROKER"`
	MQTT_Client_ID     string `mapstructure:"MQTT_CLIENT_ID"`
	MQTT_Topic_Loop    string `mapstructure:"MQTT_TOPIC_LOOP"`
	MQTT_Topic_Archive string `mapstructure:"MQTT_TOPIC_ARCHIVE"`
	Archive_Database   string `mapstructure:"ARCHIVE_DATABASE"`
	Metrics_Address    string `mapstructure:"METRICS_ADDRESS"`
	Verbose            bool
	Debug              bool
	Noop               bool

	Services Dict `mapstructure:"-"`
}

// Default configuration values
const (
	DefaultMQTTBroker       = "tcp://localhost:1883"
	DefaultMQTTTopicLoop    = "weather/loop"
	DefaultMQTTTopicArchive = "weather/archive"
	DefaultArchiveDatabase  = "archive/weewx.sdb"
	DefaultTimeout          = 10 // seconds

	// HTTP client optimization constants
	HTTPMaxIdleConns    = 100
	HTTPMaxConnsPerHost = 10
	HTTPIdleConnTimeout = 90 // seconds
)

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var validationErrors []string

	if c.MQTT_Broker == "" {
		validationErrors = append(validationErrors, "MQTT_BROKER is required")
	} else if u, err := url.Parse(c.MQTT_Broker); err != nil {
		validationErrors = append(validationErrors, fmt.Sprintf("MQTT_BROKER is not a valid URL: %v", err))
	} else if u.Scheme == "" || u.Host == "" {
		validationErrors = append(validationErrors, "MQTT_BROKER must look like tcp://host:port")
	}

	if c.MQTT_Topic_Loop == "" && c.MQTT_Topic_Archive == "" {
		validationErrors = append(validationErrors, "at least one of MQTT_TOPIC_LOOP or MQTT_TOPIC_ARCHIVE is required")
	}

	if c.Archive_Database == "" {
		validationErrors = append(validationErrors, "ARCHIVE_DATABASE is required")
	}

	if c.Metrics_Address != "" {
		if !strings.Contains(c.Metrics_Address, ":") {
			validationErrors = append(validationErrors, "METRICS_ADDRESS must include port (e.g., ':9108')")
		}
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(validationErrors, "; "))
	}

	return nil
}

// Load loads configuration from .env, the config file, environment variables
// and command line flags.
func Load(path string, name string) *Config {
	config_file := name + ".yml"

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	// Set defaults
	viper.SetDefault("MQTT_Broker", DefaultMQTTBroker)
	viper.SetDefault("MQTT_Topic_Loop", DefaultMQTTTopicLoop)
	viper.SetDefault("MQTT_Topic_Archive", DefaultMQTTTopicArchive)
	viper.SetDefault("Archive_Database", DefaultArchiveDatabase)

	flag.String("config_dir", "", "Directory holding "+config_file+" (default "+path+")")
	flag.String("mqtt_broker", "", "MQTT broker carrying loop packets and archive records")
	flag.String("mqtt_client_id", "", "MQTT client id (random when empty)")
	flag.String("archive_database", "", "Path of the SQLite archive database")
	flag.String("metrics_address", "", "Address to serve Prometheus metrics on")
	flag.BoolP("verbose", "v", false, "Verbose logging")
	flag.BoolP("debug", "d", false, "Debug logging")
	flag.BoolP("noop", "n", false, "Don't upload, only log what would be posted")

	flag.Parse()
	path = configDir(flag.CommandLine, path)

	viper.AddConfigPath(path)

	viper.SetConfigName(config_file)
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(name)
	viper.AutomaticEnv()

	bindFlags()
	if viper.GetBool("debug") {
		viper.Set("verbose", true)
	}

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		} else {
			log.Fatalf("%v", err)
		}
	}

	var config *Config
	err = viper.Unmarshal(&config)
	if err != nil {
		log.Fatalf("Failed to unmarshal config: %v", err)
	}
	config.Config_Dir = path
	config.Services = Dict(viper.AllSettings())

	lo.Must0(config.Validate())

	return config
}

// configDir returns the --config_dir flag when it was given, else def.
func configDir(fs *flag.FlagSet, def string) string {
	f := fs.Lookup("config_dir")
	if f == nil || !f.Changed || f.Value.String() == "" {
		return def
	}
	return f.Value.String()
}

// bindFlags binds only flags the user actually set, so empty flag defaults
// never shadow values from the config file.
func bindFlags() {
	flag.CommandLine.VisitAll(func(f *flag.Flag) {
		if f.Changed {
			lo.Must0(viper.BindPFlag(f.Name, f))
		}
	})
}
