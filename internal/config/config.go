// Package config loads and validates the gateway's environment configuration.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Quota is one rate-limit policy: Limit events per Window, with the
// degradation policy applied when the shared store is unreachable.
type Quota struct {
	Name     string
	Limit    int64
	Window   time.Duration
	FailOpen bool
}

type Config struct {
	// Topic namespace
	TopicRoot string

	// MQTT
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string // optional
	MQTTPassword  string // optional
	MQTTQoS       byte

	// Redis (shared limiter/dedup store + device registry)
	RedisAddr     string
	RedisPassword string // optional
	RedisDB       int

	// Kafka
	KafkaBrokers        []string
	KafkaViewsTopic     string
	KafkaDLQTopic       string
	KafkaCommandsTopic  string
	KafkaCommandsGroup  string
	KafkaCompression    string
	KafkaRequiredAcks   string
	KafkaBatchTimeoutMs int
	KafkaMaxAttempts    int

	// InfluxDB (status heartbeats)
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// MinIO (artwork blob URLs)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseTLS    bool
	MinioBucket    string
	BlobURLTTL     time.Duration

	// Content catalog
	CatalogDSN string

	// Gateway behavior
	MaxInboundBytes  int
	MaxOutboundBytes int
	MaxPageSize      int
	HandlerTimeout   time.Duration
	DedupTTL         time.Duration

	// Quotas
	RequestQuota        Quota
	TelemetryQuota      Quota
	CommandDeviceQuota  Quota
	CommandAccountQuota Quota
}

func (c *Config) String() string {
	return fmt.Sprintf(`
Topics:
  Root:          %s

MQTT:
  BrokerURL:     %s
  ClientID:      %s
  Username:      %s
  QoS:           %d

Redis:
  Addr:          %s
  DB:            %d

Kafka:
  Brokers:       %v
  ViewsTopic:    %s
  DLQTopic:      %s
  CommandsTopic: %s
  CommandsGroup: %s
  Compression:   %s
  RequiredAcks:  %s
  BatchTimeout:  %dms
  MaxAttempts:   %d

Influx:
  URL:           %s
  Org:           %s
  Bucket:        %s

MinIO:
  Endpoint:      %s
  Bucket:        %s
  UseTLS:        %v
  URLTTL:        %s

Catalog:
  DSN:           %s

Gateway:
  MaxInbound:    %d bytes
  MaxOutbound:   %d bytes
  MaxPageSize:   %d
  HandlerTimeout:%s
  DedupTTL:      %s

Quotas:
  Request:       %d per %s (fail-open=%v)
  Telemetry:     %d per %s (fail-open=%v)
  CommandDevice: %d per %s (fail-open=%v)
  CommandAcct:   %d per %s (fail-open=%v)

`, c.TopicRoot,
		c.MQTTBrokerURL, c.MQTTClientID, c.MQTTUsername, c.MQTTQoS,
		c.RedisAddr, c.RedisDB,
		c.KafkaBrokers, c.KafkaViewsTopic, c.KafkaDLQTopic, c.KafkaCommandsTopic,
		c.KafkaCommandsGroup, c.KafkaCompression, c.KafkaRequiredAcks,
		c.KafkaBatchTimeoutMs, c.KafkaMaxAttempts,
		c.InfluxURL, c.InfluxOrg, c.InfluxBucket,
		c.MinioEndpoint, c.MinioBucket, c.MinioUseTLS, c.BlobURLTTL,
		c.CatalogDSN,
		c.MaxInboundBytes, c.MaxOutboundBytes, c.MaxPageSize, c.HandlerTimeout, c.DedupTTL,
		c.RequestQuota.Limit, c.RequestQuota.Window, c.RequestQuota.FailOpen,
		c.TelemetryQuota.Limit, c.TelemetryQuota.Window, c.TelemetryQuota.FailOpen,
		c.CommandDeviceQuota.Limit, c.CommandDeviceQuota.Window, c.CommandDeviceQuota.FailOpen,
		c.CommandAccountQuota.Limit, c.CommandAccountQuota.Window, c.CommandAccountQuota.FailOpen)
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) add(msg string) { *e = append(*e, msg) }
func (e *errList) has() bool      { return len(*e) > 0 }

func getRequired(key string, errs *errList) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		errs.addf("missing %s", key)
	}
	return v
}

func getRequiredInt(key string, errs *errList) int {
	v := getRequired(key, errs)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.addf("%s invalid (expected int): %q", key, v)
		return 0
	}
	return n
}

func getRequiredInt64(key string, errs *errList) int64 {
	v := getRequired(key, errs)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		errs.addf("%s invalid (expected int64): %q", key, v)
		return 0
	}
	return n
}

func getRequiredBool(key string, errs *errList) bool {
	v := getRequired(key, errs)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		errs.addf("%s invalid (expected bool): %q", key, v)
		return false
	}
	return b
}

func getRequiredQoS(key string, errs *errList) byte {
	n := getRequiredInt(key, errs)
	if n < 0 || n > 2 {
		errs.addf("%s invalid (0..2): %d", key, n)
		return 0
	}
	return byte(n)
}

func getOptionalInt(key string, def int, errs *errList) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.addf("%s invalid (expected int): %q", key, v)
		return def
	}
	return n
}

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("%s invalid (allowed: %s): %q", key, strings.Join(allowed, ", "), val)
}

func parseBrokers(key string, errs *errList) []string {
	var out []string
	for _, b := range strings.Split(getRequired(key, errs), ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		errs.addf("%s invalid (empty list)", key)
	}
	return out
}

func loadQuota(name, prefix string, errs *errList) Quota {
	return Quota{
		Name:     name,
		Limit:    getRequiredInt64(prefix+"_LIMIT", errs),
		Window:   time.Duration(getRequiredInt(prefix+"_WINDOW_S", errs)) * time.Second,
		FailOpen: getRequiredBool(prefix+"_FAIL_OPEN", errs),
	}
}

func validateSanity(c *Config, errs *errList) {
	// The root occupies exactly one topic segment; a slash inside it would
	// never match any ingress topic.
	if c.TopicRoot != "" && strings.ContainsAny(c.TopicRoot, "/#+") {
		errs.addf("GW_TOPIC_ROOT must be a single topic segment: %q", c.TopicRoot)
	}
	if c.MaxInboundBytes <= 0 {
		errs.add("GW_MAX_INBOUND_BYTES must be > 0")
	}
	if c.MaxOutboundBytes <= 0 {
		errs.add("GW_MAX_OUTBOUND_BYTES must be > 0")
	}
	if c.MaxOutboundBytes > c.MaxInboundBytes {
		errs.add("GW_MAX_OUTBOUND_BYTES must not exceed GW_MAX_INBOUND_BYTES")
	}
	if c.MaxPageSize <= 0 {
		errs.add("GW_MAX_PAGE_SIZE must be > 0")
	}
	if c.HandlerTimeout <= 0 {
		errs.add("GW_HANDLER_TIMEOUT_MS must be > 0")
	}
	if c.DedupTTL <= 0 {
		errs.add("GW_DEDUP_TTL_S must be > 0")
	}
	if c.BlobURLTTL <= 0 {
		errs.add("MINIO_URL_TTL_S must be > 0")
	}
	if c.KafkaBatchTimeoutMs <= 0 {
		errs.add("KAFKA_BATCH_TIMEOUT_MS must be > 0")
	}
	if c.KafkaMaxAttempts <= 0 {
		errs.add("KAFKA_MAX_ATTEMPTS must be > 0")
	}
	for _, q := range []Quota{c.RequestQuota, c.TelemetryQuota, c.CommandDeviceQuota, c.CommandAccountQuota} {
		if q.Limit <= 0 {
			errs.addf("quota %s: limit must be > 0", q.Name)
		}
		if q.Window <= 0 {
			errs.addf("quota %s: window must be > 0", q.Name)
		}
	}
}

func LoadConfig() (*Config, error) {
	var errs errList

	cfg := &Config{
		TopicRoot: getRequired("GW_TOPIC_ROOT", &errs),

		MQTTBrokerURL: getRequired("MQTT_BROKER_URL", &errs),
		MQTTClientID:  getRequired("MQTT_CLIENT_ID", &errs),
		MQTTUsername:  os.Getenv("MQTT_USERNAME"), // optional
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"), // optional
		MQTTQoS:       getRequiredQoS("MQTT_QOS", &errs),

		RedisAddr:     getRequired("REDIS_ADDR", &errs),
		RedisPassword: os.Getenv("REDIS_PASSWORD"), // optional
		RedisDB:       getOptionalInt("REDIS_DB", 0, &errs),

		KafkaBrokers:        parseBrokers("KAFKA_BROKERS", &errs),
		KafkaViewsTopic:     getRequired("KAFKA_VIEWS_TOPIC", &errs),
		KafkaDLQTopic:       getRequired("KAFKA_DLQ_TOPIC", &errs),
		KafkaCommandsTopic:  getRequired("KAFKA_COMMANDS_TOPIC", &errs),
		KafkaCommandsGroup:  getRequired("KAFKA_COMMANDS_GROUP", &errs),
		KafkaCompression:    getRequired("KAFKA_COMPRESSION", &errs),
		KafkaRequiredAcks:   getRequired("KAFKA_REQUIRED_ACKS", &errs),
		KafkaBatchTimeoutMs: getRequiredInt("KAFKA_BATCH_TIMEOUT_MS", &errs),
		KafkaMaxAttempts:    getRequiredInt("KAFKA_MAX_ATTEMPTS", &errs),

		InfluxURL:    getRequired("INFLUX_URL", &errs),
		InfluxToken:  getRequired("INFLUX_TOKEN", &errs),
		InfluxOrg:    getRequired("INFLUX_ORG", &errs),
		InfluxBucket: getRequired("INFLUX_BUCKET", &errs),

		MinioEndpoint:  getRequired("MINIO_ENDPOINT", &errs),
		MinioAccessKey: getRequired("MINIO_ACCESS_KEY", &errs),
		MinioSecretKey: getRequired("MINIO_SECRET_KEY", &errs),
		MinioUseTLS:    getRequiredBool("MINIO_USE_TLS", &errs),
		MinioBucket:    getRequired("MINIO_BUCKET", &errs),
		BlobURLTTL:     time.Duration(getRequiredInt("MINIO_URL_TTL_S", &errs)) * time.Second,

		CatalogDSN: getRequired("CATALOG_DSN", &errs),

		MaxInboundBytes:  getRequiredInt("GW_MAX_INBOUND_BYTES", &errs),
		MaxOutboundBytes: getRequiredInt("GW_MAX_OUTBOUND_BYTES", &errs),
		MaxPageSize:      getRequiredInt("GW_MAX_PAGE_SIZE", &errs),
		HandlerTimeout:   time.Duration(getRequiredInt("GW_HANDLER_TIMEOUT_MS", &errs)) * time.Millisecond,
		DedupTTL:         time.Duration(getRequiredInt("GW_DEDUP_TTL_S", &errs)) * time.Second,

		RequestQuota:        loadQuota("request", "QUOTA_REQUEST", &errs),
		TelemetryQuota:      loadQuota("telemetry", "QUOTA_TELEMETRY", &errs),
		CommandDeviceQuota:  loadQuota("command-device", "QUOTA_COMMAND_DEVICE", &errs),
		CommandAccountQuota: loadQuota("command-account", "QUOTA_COMMAND_ACCOUNT", &errs),
	}

	ensureOneOf("KAFKA_COMPRESSION", cfg.KafkaCompression, []string{"none", "gzip", "snappy", "lz4", "zstd"}, &errs)
	ensureOneOf("KAFKA_REQUIRED_ACKS", cfg.KafkaRequiredAcks, []string{"none", "one", "all"}, &errs)

	validateSanity(cfg, &errs)

	if errs.has() {
		for _, e := range errs {
			log.Printf("[config] %s", e)
		}
		return nil, errors.New("missing/invalid environment variables — see logs above")
	}
	return cfg, nil
}
