package mq

import (
	"context"
	"time"
)

type MessageQueue interface {
	// Send enqueues body. The message becomes visible to consumers after delay.
	Send(ctx context.Context, body string, delay time.Duration) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
	// ReceiveCount is how many times the queue has handed this message out.
	ReceiveCount int
}
