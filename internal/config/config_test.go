package config

import (
	"os"
	"testing"
)

func TestProcessConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ProcessConfig
		wantErr bool
	}{
		{
			name: "valid development config",
			config: ProcessConfig{
				Environment: "development",
				ServerHost:  "localhost",
				ServerPort:  8080,
				LogLevel:    "info",
				LogFormat:   "console",
				ConfigPath:  "./gateway.yaml",
			},
			wantErr: false,
		},
		{
			name: "valid production config",
			config: ProcessConfig{
				Environment: "production",
				ServerHost:  "0.0.0.0",
				ServerPort:  8080,
				LogLevel:    "error",
				LogFormat:   "json",
				ConfigPath:  "/etc/gateway/gateway.yaml",
			},
			wantErr: false,
		},
		{
			name: "invalid environment",
			config: ProcessConfig{
				Environment: "invalid",
				ServerPort:  8080,
				LogLevel:    "info",
				LogFormat:   "json",
				ConfigPath:  "./gateway.yaml",
			},
			wantErr: true,
		},
		{
			name: "invalid port - too low",
			config: ProcessConfig{
				Environment: "development",
				ServerPort:  0,
				LogLevel:    "info",
				LogFormat:   "json",
				ConfigPath:  "./gateway.yaml",
			},
			wantErr: true,
		},
		{
			name: "invalid port - too high",
			config: ProcessConfig{
				Environment: "development",
				ServerPort:  70000,
				LogLevel:    "info",
				LogFormat:   "json",
				ConfigPath:  "./gateway.yaml",
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			config: ProcessConfig{
				Environment: "development",
				ServerPort:  8080,
				LogLevel:    "trace",
				LogFormat:   "json",
				ConfigPath:  "./gateway.yaml",
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			config: ProcessConfig{
				Environment: "development",
				ServerPort:  8080,
				LogLevel:    "info",
				LogFormat:   "xml",
				ConfigPath:  "./gateway.yaml",
			},
			wantErr: true,
		},
		{
			name: "missing config path",
			config: ProcessConfig{
				Environment: "development",
				ServerPort:  8080,
				LogLevel:    "info",
				LogFormat:   "json",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProcessConfig_IsDevelopment(t *testing.T) {
	cfg := ProcessConfig{Environment: "development"}
	if !cfg.IsDevelopment() {
		t.Error("expected IsDevelopment to return true")
	}

	cfg.Environment = "production"
	if cfg.IsDevelopment() {
		t.Error("expected IsDevelopment to return false")
	}
}

func TestProcessConfig_IsProduction(t *testing.T) {
	cfg := ProcessConfig{Environment: "production"}
	if !cfg.IsProduction() {
		t.Error("expected IsProduction to return true")
	}

	cfg.Environment = "development"
	if cfg.IsProduction() {
		t.Error("expected IsProduction to return false")
	}
}

func TestProcessConfig_ServerAddress(t *testing.T) {
	cfg := ProcessConfig{
		ServerHost: "localhost",
		ServerPort: 8080,
	}

	expected := "localhost:8080"
	if cfg.ServerAddress() != expected {
		t.Errorf("expected %s, got %s", expected, cfg.ServerAddress())
	}
}

func TestProcessConfig_StoreURL(t *testing.T) {
	cfg := ProcessConfig{StoreHost: "localhost", StorePort: 6379, StoreDB: 2}
	expected := "redis://localhost:6379/2"
	if cfg.StoreURL() != expected {
		t.Errorf("expected %s, got %s", expected, cfg.StoreURL())
	}
}

func TestLoadProcessConfig(t *testing.T) {
	os.Unsetenv("POSTGRES_DSN")

	cfg, err := LoadProcessConfig()
	if err != nil {
		t.Fatalf("expected Load to succeed, got error: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("expected default environment to be 'development', got %s", cfg.Environment)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("expected default port to be 8080, got %d", cfg.ServerPort)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level to be 'info', got %s", cfg.LogLevel)
	}
}
