package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the subset of the SQS client the sink uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends deliveries to an SQS queue.
type SQSSink struct {
	async
	client   SQSAPI
	queueURL string
}

// NewSQSSink loads the default AWS config and builds a sink for queueURL.
func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("DELIVERY_SQS_QUEUE_URL is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), queueURL, defaultSendTimeout), nil
}

// NewSQSSinkWithClient builds a sink around an existing client.
func NewSQSSinkWithClient(client SQSAPI, queueURL string, timeout time.Duration) *SQSSink {
	s := &SQSSink{client: client, queueURL: queueURL}
	s.timeout = timeout
	return s
}

// Publish sends d in the background.
func (s *SQSSink) Publish(ctx context.Context, d Delivery) {
	_ = ctx
	s.run("sqs", d, func(ctx context.Context) error {
		payload, err := Encode(d)
		if err != nil {
			return fmt.Errorf("encode sqs message: %w", err)
		}
		_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.queueURL),
			MessageBody: aws.String(string(payload)),
		})
		if err != nil {
			return fmt.Errorf("sqs send message: %w", err)
		}
		return nil
	})
}

var _ Sink = (*SQSSink)(nil)
