package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/angelmondragon/outbox-relay/pkg/config"
)

const defaultClientID = "outbox-relay"

// NewSaramaConfig builds an idempotent producer configuration that waits for
// every in-sync replica before a send is acknowledged.
func NewSaramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	sc.ClientID = strings.TrimSpace(cfg.ClientID)
	if sc.ClientID == "" {
		sc.ClientID = defaultClientID
	}

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version: %w", err)
		}
		sc.Version = version
	}

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Compression = sarama.CompressionGZIP
	sc.Producer.Retry.Max = cfg.ProducerRetries
	if sc.Producer.Retry.Max < 1 {
		sc.Producer.Retry.Max = 1
	}
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	if cfg.SendTimeout > 0 {
		sc.Producer.Timeout = cfg.SendTimeout
		sc.Net.ReadTimeout = cfg.SendTimeout
		sc.Net.WriteTimeout = cfg.SendTimeout
	}
	if cfg.DialTimeout > 0 {
		sc.Net.DialTimeout = cfg.DialTimeout
	}
	// idempotence needs a single in-flight request per broker connection
	sc.Net.MaxOpenRequests = 1
	sc.Metadata.AllowAutoTopicCreation = false

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}
	return sc, nil
}
