package openai

import (
	"context"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// GenerateImage sends an image generation request to /images/generations.
func (c *Client) GenerateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	var out conduit.ImageResponse
	if err := c.post(ctx, "/images/generations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
