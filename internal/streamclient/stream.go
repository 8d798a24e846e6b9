// Package streamclient is a thin passthrough over the Kinesis ListShards
// API, grounded in the teacher's GetShardCount pagination loop.
package streamclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
)

// API is the subset of the Kinesis client this adapter needs.
type API interface {
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
}

// Client is the Stream Client Adapter component (4.C).
type Client struct {
	api        API
	streamName string
}

// New builds a stream Client for the named stream.
func New(api API, streamName string) *Client {
	return &Client{api: api, streamName: streamName}
}

// ListShards returns every shard ID in the stream, open or closed — the
// Allocation Controller is responsible for filtering by lease state. Errors
// propagate unchanged; callers treat any error as "skip this tick".
func (c *Client) ListShards(ctx context.Context) ([]string, error) {
	var ids []string
	var nextToken *string

	for {
		input := &kinesis.ListShardsInput{NextToken: nextToken}
		if nextToken == nil {
			input.StreamName = aws.String(c.streamName)
		}

		resp, err := c.api.ListShards(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, shard := range resp.Shards {
			if shard.ShardId != nil {
				ids = append(ids, *shard.ShardId)
			}
		}

		if resp.NextToken == nil {
			return ids, nil
		}
		nextToken = resp.NextToken
	}
}
