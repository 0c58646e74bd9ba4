// Package config provides runtime configuration values for the kiosk and device processes.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleAll    Role = "all"
	RoleKiosk  Role = "kiosk"
	RoleDevice Role = "device"
)

type StoreBackend string

const (
	BackendMemory StoreBackend = "memory"
	BackendFile   StoreBackend = "file"
	BackendRedis  StoreBackend = "redis"
)

type Config struct {
	ServiceName string
	Env         string
	LogLevel    string
	Role        Role

	HTTPAddr   string
	DeviceAddr string
	DeviceURL  string

	StoreBackend StoreBackend
	StorePath    string
	RedisAddr    string
	RedisPrefix  string

	VendTick          time.Duration
	VendDuration      time.Duration
	LinkReconnect     time.Duration
	LinkWriteTimeout  time.Duration
	DispenseAck       time.Duration
	RetryAttempts     int
	RetryInitial      time.Duration
	RetryMax          time.Duration
	RetryCoefficient  float64
	LedgerLockTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Serves reports whether the process runs the given role.
func (c Config) Serves(r Role) bool {
	return c.Role == RoleAll || c.Role == r
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func floatenv(key string, def float64) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 1 {
		return def
	}
	return f
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

func roleenv(key string, def Role) Role {
	switch r := Role(strings.ToLower(getenv(key, ""))); r {
	case RoleAll, RoleKiosk, RoleDevice:
		return r
	default:
		return def
	}
}

func backendenv(key string, def StoreBackend) StoreBackend {
	switch b := StoreBackend(strings.ToLower(getenv(key, ""))); b {
	case BackendMemory, BackendFile, BackendRedis:
		return b
	default:
		return def
	}
}

// Load collects configuration from environment with defaults.
func Load() Config {
	deviceAddr := getenv("DEVICE_ADDR", ":8081")
	return Config{
		ServiceName: getenv("SERVICE_NAME", "vendkiosk"),
		Env:         getenv("ENV", "dev"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		Role:        roleenv("ROLE", RoleAll),

		HTTPAddr:   getenv("HTTP_ADDR", ":8080"),
		DeviceAddr: deviceAddr,
		DeviceURL:  getenv("DEVICE_URL", defaultDeviceURL(deviceAddr)),

		StoreBackend: backendenv("STORE_BACKEND", BackendMemory),
		StorePath:    getenv("STORE_PATH", "data/kiosk.json"),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:  getenv("REDIS_PREFIX", "kiosk:"),

		VendTick:          durenvms("VEND_TICK_MS", 1000),
		VendDuration:      durenvms("VEND_DURATION_MS", 5000),
		LinkReconnect:     durenvms("LINK_RECONNECT_MS", 2000),
		LinkWriteTimeout:  durenvms("LINK_WRITE_TIMEOUT_MS", 2000),
		DispenseAck:       durenvms("DISPENSE_ACK_TIMEOUT_MS", 3000),
		RetryAttempts:     atoienv("DISPENSE_RETRY_ATTEMPTS", 5),
		RetryInitial:      durenvms("DISPENSE_RETRY_INITIAL_MS", 2000),
		RetryMax:          durenvms("DISPENSE_RETRY_MAX_MS", 30000),
		RetryCoefficient:  floatenv("DISPENSE_RETRY_COEFFICIENT", 2.0),
		LedgerLockTimeout: durenvms("LEDGER_LOCK_TIMEOUT_MS", 5000),
		ShutdownTimeout:   durenvs("SHUTDOWN_TIMEOUT", 15),
	}
}

// defaultDeviceURL points the link at the local device listener.
func defaultDeviceURL(addr string) string {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + "/ws"
}
