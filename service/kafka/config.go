package kafka

import (
	"time"

	"github.com/Shopify/sarama"
)

// Config 事件日志的 Kafka 参数
type Config struct {
	Brokers             []string
	Topic               string
	PartitionsPerTopic  int32 // 会话 id 作 key，分区数决定并行度
	ReplicationFactor   int16 // 单机=1；生产=3
	Retention           time.Duration
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	KafkaVersion        sarama.KafkaVersion
	Buffer              int // 发送队列长度，满了就丢
	EnsureTopic         bool
}

func DefaultConfig() Config {
	return Config{
		Topic:               "vechat-events",
		PartitionsPerTopic:  8,
		ReplicationFactor:   1,
		Retention:           7 * 24 * time.Hour,
		ProducerRetries:     5,
		ProducerCompression: "snappy",
		KafkaVersion:        sarama.V2_1_0_0,
		Buffer:              1024,
		EnsureTopic:         true,
	}
}
