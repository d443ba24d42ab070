// Package kafkautil carries typed JSON messages over Kafka topics.
package kafkautil

import "errors"

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

var ErrNoBrokers = errors.New("kafka: no brokers configured")

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is empty")
	}
	return nil
}
