package mq

import (
	"fmt"

	"walletledger/internal/config"

	"github.com/IBM/sarama"
)

// Publisher delivers one message and blocks until the broker acknowledges it.
type Publisher interface {
	Publish(topic, key string, value []byte) error
	Close() error
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
}

func NewProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	kafkaConfig.Version = sarama.V2_1_0_0
	return kafkaConfig
}

func InitKafka(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer), nil
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(topic, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// FuncPublisher adapts a function, e.g. a logging sink when Kafka is disabled.
type FuncPublisher func(topic, key string, value []byte) error

func (f FuncPublisher) Publish(topic, key string, value []byte) error {
	return f(topic, key, value)
}

func (f FuncPublisher) Close() error { return nil }
