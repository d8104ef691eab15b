package intake

import (
	"context"

	"execbox/internal/common/mq"
	appErr "execbox/pkg/errors"
)

// ResultPublisher delivers results onto the result channel.
type ResultPublisher interface {
	PublishResult(ctx context.Context, msg ResultMessage) error
}

// KafkaPublisher publishes results keyed by job id.
type KafkaPublisher struct {
	producer mq.Producer
	topic    string
	codec    *ResultCodec
}

// NewKafkaPublisher creates a result publisher.
func NewKafkaPublisher(producer mq.Producer, topic string, codec *ResultCodec) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, appErr.ValidationError("producer", "required")
	}
	if topic == "" {
		return nil, appErr.ValidationError("intake.resultTopic", "required")
	}
	if codec == nil {
		return nil, appErr.ValidationError("codec", "required")
	}
	return &KafkaPublisher{producer: producer, topic: topic, codec: codec}, nil
}

// PublishResult encodes and publishes msg.
func (p *KafkaPublisher) PublishResult(ctx context.Context, msg ResultMessage) error {
	if msg.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	body, headers, err := p.codec.Encode(msg)
	if err != nil {
		return err
	}
	message := mq.NewMessage(body)
	message.ID = msg.ID
	for k, v := range headers {
		message.SetHeader(k, v)
	}
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFail, "publish result failed")
	}
	return nil
}
