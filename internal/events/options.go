package events

import "time"

type ProducerOptions func(p *LineProducer)

func WithOutputTopic(topic string) ProducerOptions {
	return func(p *LineProducer) {
		p.topic = topic
	}
}

func WithCloseTimeout(d time.Duration) ProducerOptions {
	return func(p *LineProducer) {
		p.closeTimeout = d
	}
}
