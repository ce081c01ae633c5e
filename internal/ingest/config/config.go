// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the immutable startup Settings from the environment,
// optionally pre-seeded from a dotenv-style file. See spec.md §4.5 and §9.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Settings is the immutable compile-time layer of RuntimeConfig: every
// field here has a fixed value for the lifetime of one process, overridden
// only in-memory by runtimeconfig.Manager for the fields in its schema.
type Settings struct {
	NodeID string

	LogPath         string
	ErrorLogPath    string
	ErrorLogEnabled bool
	ErrorMinLevel   string
	ErrorDropNoise  bool

	FlushIntervalSeconds float64
	BatchSize            int
	PollIntervalSeconds  float64

	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPassword string
	MySQLDB       string
	MySQLCharset  string

	RedisURL     string
	RedisEnabled bool

	APIHost           string
	APIPort           int
	CollectorEmbedded bool

	DropAPIToAPI          bool
	DropLoopbackTraffic   bool
	DropInvalidVlessProbe bool
	ExcludeDetours        []string

	RetentionDays                   int
	RetentionCleanupIntervalSeconds int
	RetentionDeleteBatchSize        int

	GeoIPEnabled        bool
	GeoIPProviderURL    string
	GeoIPTimeoutSeconds float64
	GeoIPCacheTTLHours  int
	GeoIPBatchLimit     int

	AISummaryEnabled         bool
	AISummaryIntervalSeconds int
	AISummaryWindowMinutes   int
	AISummaryMaxItems        int
	AIAPIBaseURL             string
	AIAPIKey                 string
	AIAPIModel               string
	AIAPITimeoutSeconds      float64
	TGBotToken               string
	TGChatID                 string

	RuntimeConfigRefreshSeconds float64

	AuthEnabled                bool
	AuthAllowAnonymousHealth   bool
	AuthJWTSecret              string
	AuthJWTExpSeconds          int
	AuthCookieName             string
	AuthCookieSecure           bool
	AuthCookieSameSite         string
	AuthCookieDomain           string
	AuthLoginRateLimit         int
	AuthLoginRateWindowSeconds int

	AdminBootstrapUsername string
	AdminBootstrapPassword string
}

// FromEnv loads settings from the process environment, first loading an
// optional dotenv file named by AUDIT_ENV_FILE (default ".env") without
// overwriting variables already set in the environment.
func FromEnv() Settings {
	loadEnvFileIfPresent()

	authSecret := strings.TrimSpace(os.Getenv("AUDIT_AUTH_JWT_SECRET"))
	if authSecret == "" {
		authSecret = "change-this-secret-in-production"
	}

	return Settings{
		NodeID: envString("AUDIT_NODE_ID", "node-"+uuid.New().String()),

		LogPath:         envString("AUDIT_LOG_PATH", "/var/log/xray/access.log"),
		ErrorLogPath:    envString("AUDIT_ERROR_LOG_PATH", "/var/log/xray/error.log"),
		ErrorLogEnabled: envBool("AUDIT_ERROR_LOG_ENABLED", true),
		ErrorMinLevel:   strings.ToLower(strings.TrimSpace(envString("AUDIT_ERROR_MIN_LEVEL", "warning"))),
		ErrorDropNoise:  envBool("AUDIT_ERROR_DROP_NOISE", false),

		FlushIntervalSeconds: envFloat("AUDIT_FLUSH_INTERVAL_SECONDS", 1),
		BatchSize:            envInt("AUDIT_BATCH_SIZE", 300),
		PollIntervalSeconds:  envFloat("AUDIT_POLL_INTERVAL_SECONDS", 0.2),

		MySQLHost:     envString("AUDIT_MYSQL_HOST", "127.0.0.1"),
		MySQLPort:     envInt("AUDIT_MYSQL_PORT", 3306),
		MySQLUser:     envString("AUDIT_MYSQL_USER", "xray_audit"),
		MySQLPassword: envString("AUDIT_MYSQL_PASSWORD", "change-me"),
		MySQLDB:       envString("AUDIT_MYSQL_DB", "xray_audit"),
		MySQLCharset:  envString("AUDIT_MYSQL_CHARSET", "utf8mb4"),

		RedisURL:     envString("AUDIT_REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisEnabled: envBool("AUDIT_REDIS_ENABLED", true),

		APIHost:           envString("AUDIT_API_HOST", "127.0.0.1"),
		APIPort:           envInt("AUDIT_API_PORT", 8088),
		CollectorEmbedded: envBool("AUDIT_COLLECTOR_EMBEDDED", false),

		DropAPIToAPI:          envBool("AUDIT_DROP_API_TO_API", true),
		DropLoopbackTraffic:   envBool("AUDIT_DROP_LOOPBACK_TRAFFIC", true),
		DropInvalidVlessProbe: envBool("AUDIT_DROP_INVALID_VLESS_PROBE", false),
		ExcludeDetours:        envCSV("AUDIT_EXCLUDE_DETOURS", ""),

		RetentionDays:                   envInt("AUDIT_RETENTION_DAYS", 30),
		RetentionCleanupIntervalSeconds: envInt("AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS", 3600),
		RetentionDeleteBatchSize:        envInt("AUDIT_RETENTION_DELETE_BATCH_SIZE", 5000),

		GeoIPEnabled:        envBool("AUDIT_GEOIP_ENABLED", true),
		GeoIPProviderURL:    envString("AUDIT_GEOIP_PROVIDER_URL", "https://whois.pconline.com.cn/ipJson.jsp"),
		GeoIPTimeoutSeconds: envFloat("AUDIT_GEOIP_TIMEOUT_SECONDS", 3),
		GeoIPCacheTTLHours:  envInt("AUDIT_GEOIP_CACHE_TTL_HOURS", 168),
		GeoIPBatchLimit:     envInt("AUDIT_GEOIP_BATCH_LIMIT", 200),

		AISummaryEnabled:         envBool("AUDIT_AI_SUMMARY_ENABLED", false),
		AISummaryIntervalSeconds: envInt("AUDIT_AI_SUMMARY_INTERVAL_SECONDS", 1800),
		AISummaryWindowMinutes:   envInt("AUDIT_AI_SUMMARY_WINDOW_MINUTES", 60),
		AISummaryMaxItems:        envInt("AUDIT_AI_SUMMARY_MAX_ITEMS", 200),
		AIAPIBaseURL:             envString("AUDIT_AI_API_BASE_URL", ""),
		AIAPIKey:                 envString("AUDIT_AI_API_KEY", ""),
		AIAPIModel:               envString("AUDIT_AI_API_MODEL", "gpt-4o-mini"),
		AIAPITimeoutSeconds:      envFloat("AUDIT_AI_API_TIMEOUT_SECONDS", 20),
		TGBotToken:               envString("AUDIT_TG_BOT_TOKEN", ""),
		TGChatID:                 envString("AUDIT_TG_CHAT_ID", ""),

		RuntimeConfigRefreshSeconds: envFloat("AUDIT_RUNTIME_CONFIG_REFRESH_SECONDS", 3),

		AuthEnabled:                envBool("AUDIT_AUTH_ENABLED", true),
		AuthAllowAnonymousHealth:   envBool("AUDIT_AUTH_ALLOW_ANONYMOUS_HEALTH", false),
		AuthJWTSecret:              authSecret,
		AuthJWTExpSeconds:          envInt("AUDIT_AUTH_JWT_EXP_SECONDS", 43200),
		AuthCookieName:             envString("AUDIT_AUTH_COOKIE_NAME", "xray_audit_session"),
		AuthCookieSecure:           envBool("AUDIT_AUTH_COOKIE_SECURE", true),
		AuthCookieSameSite:         strings.ToLower(strings.TrimSpace(envString("AUDIT_AUTH_COOKIE_SAMESITE", "lax"))),
		AuthCookieDomain:           strings.TrimSpace(envString("AUDIT_AUTH_COOKIE_DOMAIN", "")),
		AuthLoginRateLimit:         envInt("AUDIT_AUTH_LOGIN_RATE_LIMIT", 8),
		AuthLoginRateWindowSeconds: envInt("AUDIT_AUTH_LOGIN_RATE_WINDOW_SECONDS", 300),

		AdminBootstrapUsername: strings.TrimSpace(envString("AUDIT_ADMIN_BOOTSTRAP_USERNAME", "admin")),
		AdminBootstrapPassword: strings.TrimSpace(envString("AUDIT_ADMIN_BOOTSTRAP_PASSWORD", "ChangeMe123!")),
	}
}

// DSN builds a go-sql-driver/mysql data source name from the MySQL fields.
func (s Settings) DSN() string {
	return s.MySQLUser + ":" + s.MySQLPassword + "@tcp(" + s.MySQLHost + ":" +
		strconv.Itoa(s.MySQLPort) + ")/" + s.MySQLDB + "?charset=" + s.MySQLCharset + "&parseTime=true"
}

func loadEnvFileIfPresent() {
	envFile := os.Getenv("AUDIT_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	values, err := godotenv.Read(envFile)
	if err != nil {
		return
	}
	for key, value := range values {
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return ParseBool(raw, def)
}

// ParseBool applies the shared bool-coercion rule used by both Settings and
// runtimeconfig overrides: {1,true,yes,on} → true, {0,false,no,off} → false,
// and any other token → the fallback supplied by the caller.
func ParseBool(raw string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envInt(name string, def int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func envFloat(name string, def float64) float64 {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return def
	}
	return v
}

func envCSV(name, def string) []string {
	raw := def
	if v, ok := os.LookupEnv(name); ok {
		raw = v
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
