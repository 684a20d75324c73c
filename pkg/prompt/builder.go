// Package prompt assembles the text handed to the task runner: the
// agent's system prompt, selected ledger slices, and, when the output
// travels as a stream, an explicit output-format block carrying the
// agent's JSON schema.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/models"
)

// Querier is the slice of the ledger the builder needs. *bus.Bus and
// *ledger.Store both satisfy it.
type Querier interface {
	Query(ctx context.Context, f ledger.Filter) ([]models.Message, error)
}

// Input carries everything Build needs about the requesting agent.
type Input struct {
	Definition     models.AgentDefinition
	Iteration      int
	ClusterCreated time.Time
	LastTaskEnd    *time.Time
	// StreamWithSchema appends the OUTPUT FORMAT block: the runner will
	// stream, so the schema has to ride inside the prompt.
	StreamWithSchema bool
	Schema           map[string]any
}

// Builder renders prompts from ledger slices.
type Builder struct {
	querier Querier
}

// NewBuilder creates a builder over the given ledger view.
func NewBuilder(q Querier) *Builder {
	return &Builder{querier: q}
}

// Build composes the prompt: system prompt first, then one section per
// context source in declared order. Sources may repeat topics; that
// repetition is deliberate and preserved.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	var sections []string

	system, err := in.Definition.Prompt.SystemFor(in.Iteration)
	if err != nil {
		return "", fmt.Errorf("failed to select system prompt for %s: %w", in.Definition.ID, err)
	}
	if system != "" {
		sections = append(sections, system)
	}

	if in.Definition.ContextStrategy != nil {
		for _, source := range in.Definition.ContextStrategy.Sources {
			section, err := b.renderSource(ctx, in, source)
			if err != nil {
				return "", err
			}
			sections = append(sections, section)
		}
	}

	if in.StreamWithSchema && in.Schema != nil {
		block, err := outputFormatBlock(in.Schema)
		if err != nil {
			return "", err
		}
		sections = append(sections, block)
	}

	return strings.Join(sections, "\n\n"), nil
}

func (b *Builder) renderSource(ctx context.Context, in Input, source models.ContextSource) (string, error) {
	since, err := resolveSince(source.Since, in.ClusterCreated, in.LastTaskEnd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve since for source %s of %s: %w", source.Topic, in.Definition.ID, err)
	}

	msgs, err := b.querier.Query(ctx, ledger.Filter{
		Topic:  source.Topic,
		Sender: source.Sender,
		Since:  since,
		Limit:  source.Limit,
	})
	if err != nil {
		return "", fmt.Errorf("failed to query context source %s: %w", source.Topic, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Messages from topic: %s", source.Topic)
	for _, msg := range msgs {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "%s (%s): %s", msg.Sender, msg.Time().UTC().Format(time.RFC3339), msg.Content.Text)
		if msg.Content.Data != nil {
			pretty, err := json.MarshalIndent(msg.Content.Data, "", "  ")
			if err != nil {
				return "", fmt.Errorf("failed to render data of message %s: %w", msg.ID, err)
			}
			sb.WriteString("\n")
			sb.Write(pretty)
		}
	}
	return sb.String(), nil
}

// resolveSince maps a source's since value to a ledger timestamp:
// cluster_start, last_task_end (falling back to cluster start before
// the first task), or an RFC 3339 instant.
func resolveSince(since string, clusterCreated time.Time, lastTaskEnd *time.Time) (int64, error) {
	switch since {
	case "", models.SinceClusterStart:
		return clusterCreated.UnixMilli(), nil
	case models.SinceLastTaskEnd:
		if lastTaskEnd == nil {
			return clusterCreated.UnixMilli(), nil
		}
		return lastTaskEnd.UnixMilli(), nil
	default:
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return 0, fmt.Errorf("invalid since value %q: %w", since, err)
		}
		return ts.UnixMilli(), nil
	}
}

// outputFormatBlock renders the canonical schema instruction appended
// when output streams but a schema still applies.
func outputFormatBlock(schemaMap map[string]any) (string, error) {
	pretty, err := json.MarshalIndent(schemaMap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render output schema: %w", err)
	}
	return fmt.Sprintf(`OUTPUT FORMAT

Respond with exactly one JSON object matching this schema. Do not wrap
it in markdown, code fences, or any surrounding text.

%s`, pretty), nil
}
