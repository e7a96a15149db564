package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Courier    CourierConfig    `yaml:"courier"`
	OrderTrack OrderTrackConfig `yaml:"ordertrack"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                        string `yaml:"host"`
	Port                        int    `yaml:"port"`
	OrderStatusChangedTopicName string `yaml:"order_status_changed_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RabbitMQConfig struct {
	URL string `yaml:"url"`
}

type CourierConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	OriginPincode string `yaml:"origin_pincode"`
	// UseFake swaps the HTTP vendor client for the deterministic in-process
	// one. Dev and demo environments only.
	UseFake bool `yaml:"use_fake"`
}

type OrderTrackConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	AdminEmail         string `yaml:"admin_email"`

	SnapshotTTLSeconds int `yaml:"snapshot_ttl_seconds"`
	CancelWindowHours  int `yaml:"cancel_window_hours"`
	// Flat handling fee deducted from the refund (minor units), waived when
	// the reported fault is the workshop's.
	ReturnFeeMinor int64 `yaml:"return_fee_minor"`

	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerCycleSeconds        int    `yaml:"worker_cycle_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`
	WorkerPollIntervalMinutes int    `yaml:"worker_poll_interval_minutes"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
