package piecesync

import (
	"context"
	"encoding/json"

	"github.com/Durchex/piecesync/schema"
	"github.com/segmentio/kafka-go"
)

const (
	TradeTopic      = "piecesync_trade"
	RedemptionTopic = "piecesync_redemption"
)

type KWriter struct {
	w *kafka.Writer
}

func NewKWriter(topic string, uri string) (*KWriter, error) {
	w := &kafka.Writer{
		Addr:     kafka.TCP(uri),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &KWriter{
		w: w,
	}, nil
}

func (kw *KWriter) Write(key string, body []byte) error {
	err := kw.w.WriteMessages(
		context.Background(),
		kafka.Message{
			Key:   []byte(key),
			Value: body,
		},
	)
	return err
}

func (kw *KWriter) Close() {
	kw.w.Close()
}

func NewKWriters(uri string) (map[string]*KWriter, error) {
	tradeWriter, err := NewKWriter(TradeTopic, uri)
	if err != nil {
		return nil, err
	}
	redemptionWriter, err := NewKWriter(RedemptionTopic, uri)
	if err != nil {
		return nil, err
	}
	return map[string]*KWriter{
		TradeTopic:      tradeWriter,
		RedemptionTopic: redemptionWriter,
	}, nil
}

// Publisher receives ledger effects after they are committed.
type Publisher interface {
	PublishTrade(t schema.Trade)
	PublishRedemption(v schema.Voucher)
}

type nopPublisher struct{}

func (nopPublisher) PublishTrade(schema.Trade)       {}
func (nopPublisher) PublishRedemption(schema.Voucher) {}

// KafkaPublisher is best effort: a failed write is logged, the ledger stays
// the source of truth.
type KafkaPublisher struct {
	writers map[string]*KWriter
}

func NewKafkaPublisher(uri string) (*KafkaPublisher, error) {
	writers, err := NewKWriters(uri)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{writers: writers}, nil
}

func (p *KafkaPublisher) PublishTrade(t schema.Trade) {
	p.publish(TradeTopic, t.Network+"-"+t.ItemId, t)
}

func (p *KafkaPublisher) PublishRedemption(v schema.Voucher) {
	p.publish(RedemptionTopic, v.MessageHash, v)
}

func (p *KafkaPublisher) publish(topic, key string, v interface{}) {
	by, err := json.Marshal(v)
	if err != nil {
		log.Error("json.Marshal(v)", "err", err, "topic", topic)
		return
	}
	if err := p.writers[topic].Write(key, by); err != nil {
		log.Error("kafka write failed", "err", err, "topic", topic, "key", key)
	}
}

func (p *KafkaPublisher) Close() {
	for _, w := range p.writers {
		w.Close()
	}
}
