package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates an embedding client backed by Vertex AI.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

const (
	taskDocument = "RETRIEVAL_DOCUMENT"
	taskQuery    = "RETRIEVAL_QUERY"
)

var _ QueryEmbedder = (*VertexAIClient)(nil)

// Embed requests a RETRIEVAL_DOCUMENT embedding of config.Dim values.
func (c *VertexAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text, taskDocument)
}

// EmbedQuery embeds search text with the RETRIEVAL_QUERY task type.
func (c *VertexAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text, taskQuery)
}

func (c *VertexAIClient) embed(ctx context.Context, text, task string) ([]float32, error) {
	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), c.embedConfig(task))
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return res.Embeddings[0].Values, nil
}

func (c *VertexAIClient) embedConfig(task string) *genai.EmbedContentConfig {
	dim := int32(c.config.Dim)
	return &genai.EmbedContentConfig{
		TaskType:             task,
		OutputDimensionality: &dim,
	}
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
