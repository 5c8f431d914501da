package config

import (
	"testing"

	flag "github.com/spf13/pflag"
)

// Test configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				MQTT_Broker:      "tcp://localhost:1883",
				MQTT_Topic_Loop:  "weather/loop",
				Archive_Database: "/tmp/archive.sdb",
				Metrics_Address:  ":9108",
			},
			wantErr: false,
		},
		{
			name: "missing broker",
			config: &Config{
				MQTT_Topic_Loop:  "weather/loop",
				Archive_Database: "/tmp/archive.sdb",
			},
			wantErr: true,
		},
		{
			name: "broker without scheme",
			config: &Config{
				MQTT_Broker:      "localhost",
				MQTT_Topic_Loop:  "weather/loop",
				Archive_Database: "/tmp/archive.sdb",
			},
			wantErr: true,
		},
		{
			name: "no topics",
			config: &Config{
				MQTT_Broker:      "tcp://localhost:1883",
				Archive_Database: "/tmp/archive.sdb",
			},
			wantErr: true,
		},
		{
			name: "missing database",
			config: &Config{
				MQTT_Broker:        "tcp://localhost:1883",
				MQTT_Topic_Archive: "weather/archive",
			},
			wantErr: true,
		},
		{
			name: "metrics address without port",
			config: &Config{
				MQTT_Broker:      "tcp://localhost:1883",
				MQTT_Topic_Loop:  "weather/loop",
				Archive_Database: "/tmp/archive.sdb",
				Metrics_Address:  "localhost",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDirFlag(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"not given", nil, "/config"},
		{"given", []string{"--config_dir", "/etc/wunderground_like"}, "/etc/wunderground_like"},
		{"given with equals", []string{"--config_dir=./local"}, "./local"},
		{"empty value", []string{"--config_dir="}, "/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.String("config_dir", "", "")
			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := configDir(fs, "/config"); got != tt.want {
				t.Errorf("configDir() = %q, want %q", got, tt.want)
			}
		})
	}
}
