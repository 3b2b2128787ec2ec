package kafka

import (
	"errors"
	"strconv"

	"github.com/Shopify/sarama"

	"VeChat/logger"
	"VeChat/tools/errs"
)

// topicDetail 事件日志只追加不压缩，按时间过期
func topicDetail(c Config) *sarama.TopicDetail {
	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}
	str := func(s string) *string { return &s }
	entries := map[string]*string{
		"cleanup.policy":                 str("delete"),
		"min.insync.replicas":            str(minISR),
		"unclean.leader.election.enable": str("false"),
		"compression.type":               str("producer"),
	}
	if c.Retention > 0 {
		entries["retention.ms"] = str(strconv.FormatInt(c.Retention.Milliseconds(), 10))
	}
	return &sarama.TopicDetail{
		NumPartitions:     c.PartitionsPerTopic,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries:     entries,
	}
}

// ensureTopic 不存在就建；已存在但分区少于期望时扩分区，Kafka 不支持缩分区
func ensureTopic(admin sarama.ClusterAdmin, c Config) error {
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return errs.WrapMsg(err, "describe topic", "topic", c.Topic)
	}
	if len(descs) != 1 || descs[0].Err != sarama.ErrNoError {
		err := admin.CreateTopic(c.Topic, topicDetail(c), false)
		var te *sarama.TopicError
		switch {
		case err == nil:
			logger.Infof("[kafka] topic created: %s (partitions=%d, rf=%d)", c.Topic, c.PartitionsPerTopic, c.ReplicationFactor)
		case errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists, errors.Is(err, sarama.ErrTopicAlreadyExists):
			logger.Infof("[kafka] topic created concurrently: %s", c.Topic)
		default:
			return errs.WrapMsg(err, "create topic", "topic", c.Topic)
		}
		return nil
	}
	cur := int32(len(descs[0].Partitions))
	if c.PartitionsPerTopic <= cur {
		return nil
	}
	if err := admin.CreatePartitions(c.Topic, c.PartitionsPerTopic, nil, false); err != nil {
		return errs.WrapMsg(err, "expand partitions", "topic", c.Topic, "from", cur, "to", c.PartitionsPerTopic)
	}
	logger.Infof("[kafka] topic %s partitions %d -> %d", c.Topic, cur, c.PartitionsPerTopic)
	return nil
}
