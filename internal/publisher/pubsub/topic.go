package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/cockroachdb/errors"
)

// TopicName renders the fully qualified topic name.
func TopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// VerifyTopic checks that the topic exists and accepts messages. A topic whose
// ingestion is failing is reported as unusable.
func VerifyTopic(ctx context.Context, client *pubsub.Client, projectID, topicID string) error {
	if client == nil {
		return errors.New("pubsub client is not configured")
	}
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: TopicName(projectID, topicID),
	})
	if err != nil {
		return errors.Wrapf(err, "get pubsub topic %q", topicID)
	}
	if topic.GetState() == pubsubpb.Topic_INGESTION_RESOURCE_ERROR {
		return errors.Newf("pubsub topic %q in project %q is not accepting messages", topicID, projectID)
	}
	return nil
}
