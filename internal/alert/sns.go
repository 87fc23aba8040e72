package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSNotifier publishes abuse alerts to an SNS topic for ops tooling.
type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

// Handler returns an alert Handler that publishes to the topic. Publish
// failures are logged and swallowed; alerting must not disturb enforcement.
func (n *SNSNotifier) Handler() Handler {
	return func(alert Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := n.publish(ctx, alert); err != nil {
			slog.Warn("failed to publish alert", "subject_id", alert.SubjectID, "error", err)
		}
	}
}

func (n *SNSNotifier) publish(ctx context.Context, alert Alert) error {
	message, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Level": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Level)),
			},
			"SubjectID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.SubjectID),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	return nil
}
