// Package kafka produces telemetry records to Kafka and consumes register
// write requests from it.
package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"optolink/config"
	"optolink/logging"
	"optolink/namespace"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

const (
	dialTimeout         = 10 * time.Second
	defaultBatchTimeout = 10 * time.Millisecond
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// TelemetryTopic is the configured topic, or <namespace>.telemetry.
func TelemetryTopic(cfg *config.KafkaConfig, ns string) string {
	return namespace.New(ns, "").KafkaTelemetryTopic(cfg.Topic)
}

// WriteTopic carries write requests; responses go to WriteTopic + ".response".
func WriteTopic(cfg *config.KafkaConfig, ns string) string {
	return namespace.New(ns, "").KafkaWriteTopic(cfg.Topic)
}

func WriteResponseTopic(cfg *config.KafkaConfig, ns string) string {
	return namespace.New(ns, "").KafkaWriteResponseTopic(cfg.Topic)
}

// ConsumerGroup is the configured group, or optolink-<name>.
func ConsumerGroup(cfg *config.KafkaConfig) string {
	if cfg.ConsumerGroup != "" {
		return cfg.ConsumerGroup
	}
	return "optolink-" + cfg.Name
}

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify, MinVersion: tls.VersionTLS12}
}

// saslMechanism returns nil when no username is configured.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}

	switch SASLMechanism(strings.ToUpper(cfg.SASLMechanism)) {
	case SASLNone, SASLPlain:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}
