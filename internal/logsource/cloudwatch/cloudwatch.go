// Package cloudwatch implements logsource.Source on CloudWatch Logs.
package cloudwatch

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwl "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/cooodecat/otto-handler-sub000/internal/logsource"
)

// Source fetches log events through the CloudWatch Logs API.
type Source struct {
	client *cwl.Client
}

var _ logsource.Source = (*Source)(nil)

// New constructs a Source from an AWS config.
func New(cfg aws.Config) *Source {
	return &Source{client: cwl.NewFromConfig(cfg)}
}

// FetchIncremental returns events after the cursor. The cursor is the
// provider's forward token; an empty cursor starts from the head of the
// stream.
func (s *Source) FetchIncremental(ctx context.Context, ref logsource.StreamRef, cursor string) (logsource.Batch, error) {
	input := &cwl.GetLogEventsInput{
		LogGroupName:  aws.String(ref.Group),
		LogStreamName: aws.String(ref.Stream),
		StartFromHead: aws.Bool(true),
	}
	if cursor != "" {
		input.NextToken = aws.String(cursor)
	}
	out, err := s.client.GetLogEvents(ctx, input)
	if err != nil {
		return logsource.Batch{NextCursor: cursor}, err
	}
	entries := make([]logsource.Entry, 0, len(out.Events))
	for _, ev := range out.Events {
		entries = append(entries, logsource.Entry{
			Timestamp: time.UnixMilli(aws.ToInt64(ev.Timestamp)),
			Message:   aws.ToString(ev.Message),
		})
	}
	next := cursor
	if out.NextForwardToken != nil {
		next = aws.ToString(out.NextForwardToken)
	}
	return logsource.Batch{Entries: entries, NextCursor: next}, nil
}

// FetchAll pages through the whole stream from the head. Used for the
// one-shot backfill when incremental polling captured nothing.
func (s *Source) FetchAll(ctx context.Context, ref logsource.StreamRef) ([]logsource.Entry, error) {
	var (
		entries []logsource.Entry
		cursor  string
	)
	for {
		batch, err := s.FetchIncremental(ctx, ref, cursor)
		if err != nil {
			return entries, err
		}
		entries = append(entries, batch.Entries...)
		// The provider signals exhaustion by returning the same token.
		if batch.NextCursor == cursor || batch.NextCursor == "" {
			return entries, nil
		}
		cursor = batch.NextCursor
	}
}
