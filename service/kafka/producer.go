package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"

	"VeChat/tools/errs"
)

var codecs = map[string]sarama.CompressionCodec{
	"":       sarama.CompressionNone,
	"none":   sarama.CompressionNone,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

// producerConfig 同一会话的事件落同一分区，所以必须是 hash 分区
func producerConfig(c Config) (*sarama.Config, error) {
	codec, ok := codecs[strings.ToLower(c.ProducerCompression)]
	if !ok {
		return nil, errs.ErrArgs.WrapMsg("unknown kafka compression", "codec", c.ProducerCompression)
	}
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion
	cfg.ClientID = "vechat"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = max(c.ProducerRetries, 1)
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = codec
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	if err := cfg.Validate(); err != nil {
		return nil, errs.ErrArgs.WrapMsg("kafka config: " + err.Error())
	}
	return cfg, nil
}

// newProducer EnsureTopic 时先建好事件 topic
func newProducer(c Config) (sarama.SyncProducer, error) {
	if len(c.Brokers) == 0 {
		return nil, errs.ErrArgs.WrapMsg("kafka brokers missing")
	}
	cfg, err := producerConfig(c)
	if err != nil {
		return nil, err
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdmin(c.Brokers, cfg)
		if err != nil {
			return nil, errs.WrapMsg(err, "kafka admin", "brokers", c.Brokers)
		}
		err = ensureTopic(admin, c)
		_ = admin.Close()
		if err != nil {
			return nil, err
		}
	}
	p, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka producer", "brokers", c.Brokers)
	}
	return p, nil
}
