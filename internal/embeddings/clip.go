package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vidscope/vidscope/internal/apperrors"
)

// ClipClientOptions configures the CLIP inference service client.
type ClipClientOptions struct {
	// BaseURL is the base URL of the inference service (e.g. "http://clip:8090").
	BaseURL string
	// BatchSize is the maximum number of images sent per request (default: 8).
	// Purely a latency/throughput trade-off; results are batch-size-invariant.
	BatchSize int
	// RetryMax is the maximum number of HTTP retries (default: 2, negative
	// disables retries). Retries cover transport-level flakiness only; the
	// distributor owns the job-level retry budget.
	RetryMax int
	// Timeout is the per-request timeout (default: 60 seconds).
	Timeout time.Duration
}

// ClipClient talks to a CLIP inference service over HTTP. The service embeds
// images and text with the same model checkpoint, so both land in one space.
type ClipClient struct {
	baseURL    string
	batchSize  int
	httpClient *retryablehttp.Client

	spaceOnce sync.Once
	space     Space
	spaceErr  error
}

// Ensure ClipClient implements Embedder.
var _ Embedder = (*ClipClient)(nil)

// NewClipClient creates a client for the CLIP inference service.
func NewClipClient(opts ClipClientOptions) *ClipClient {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	retryClient := retryablehttp.NewClient()

	switch {
	case opts.RetryMax > 0:
		retryClient.RetryMax = opts.RetryMax
	case opts.RetryMax < 0:
		retryClient.RetryMax = 0
	default:
		retryClient.RetryMax = 2
	}

	retryClient.HTTPClient.Timeout = opts.Timeout
	retryClient.Logger = nil // we log at the call sites

	return &ClipClient{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		batchSize:  opts.BatchSize,
		httpClient: retryClient,
	}
}

type embedImagesRequest struct {
	Images []string `json:"images"` // base64-encoded JPEG
}

type embedImagesResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

type embedTextRequest struct {
	Text string `json:"text"`
}

type embedTextResponse struct {
	Vector []float32 `json:"vector"`
}

// EmbedImage generates an embedding vector for one JPEG-encoded image.
func (c *ClipClient) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	vectors, err := c.EmbedImages(ctx, [][]byte{image})
	if err != nil {
		return nil, err
	}

	return vectors[0], nil
}

// EmbedImages generates embedding vectors for the given images. Inputs larger
// than the configured batch size are sliced into sub-batches and the results
// concatenated; the split never changes per-image numerics.
func (c *ClipClient) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if len(images) == 0 {
		return nil, apperrors.NewInvalidInputError("images", "images cannot be empty")
	}

	for i, img := range images {
		if len(img) == 0 {
			return nil, apperrors.NewInvalidInputError("images", fmt.Sprintf("image at index %d is empty", i))
		}
	}

	vectors := make([][]float32, 0, len(images))

	for start := 0; start < len(images); start += c.batchSize {
		end := min(start+c.batchSize, len(images))

		batch, err := c.embedImageBatch(ctx, images[start:end])
		if err != nil {
			return nil, err
		}

		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (c *ClipClient) embedImageBatch(ctx context.Context, images [][]byte) ([][]float32, error) {
	req := embedImagesRequest{Images: make([]string, len(images))}
	for i, img := range images {
		req.Images[i] = base64.StdEncoding.EncodeToString(img)
	}

	var resp embedImagesResponse
	if err := c.post(ctx, "/v1/embed/images", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Vectors) != len(images) {
		return nil, apperrors.NewEmbeddingUnavailableError(
			fmt.Sprintf("backend returned %d vectors for %d images", len(resp.Vectors), len(images)), nil)
	}

	return resp.Vectors, nil
}

// EmbedText generates an embedding vector for the given text.
func (c *ClipClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.NewInvalidInputError("text", "text cannot be empty")
	}

	var resp embedTextResponse
	if err := c.post(ctx, "/v1/embed/text", embedTextRequest{Text: text}, &resp); err != nil {
		return nil, err
	}

	if len(resp.Vector) == 0 {
		return nil, apperrors.NewEmbeddingUnavailableError("backend returned an empty text vector", nil)
	}

	return resp.Vector, nil
}

// Space reports the backend's vector space. The first call hits GET /v1/info;
// the result is cached for the client's lifetime (the backend's checkpoint
// does not change while it runs).
func (c *ClipClient) Space(ctx context.Context) (Space, error) {
	c.spaceOnce.Do(func() {
		c.space, c.spaceErr = c.fetchInfo(ctx)
	})

	return c.space, c.spaceErr
}

func (c *ClipClient) fetchInfo(ctx context.Context) (Space, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/info", nil)
	if err != nil {
		return Space{}, fmt.Errorf("build info request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Space{}, apperrors.NewEmbeddingUnavailableError("info request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Space{}, apperrors.NewEmbeddingUnavailableError(
			fmt.Sprintf("info returned status %d", resp.StatusCode), nil)
	}

	var space Space
	if err := json.NewDecoder(resp.Body).Decode(&space); err != nil {
		return Space{}, apperrors.NewEmbeddingUnavailableError("decode info response", err)
	}

	if space.ID == "" || space.Dimensions <= 0 {
		return Space{}, apperrors.NewEmbeddingUnavailableError("backend reported an invalid space", nil)
	}

	return space, nil
}

// post sends a JSON request and decodes a JSON response, mapping HTTP failures
// to the error taxonomy: 4xx is malformed input (no retry will fix it), 5xx and
// transport errors are transient.
func (c *ClipClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewEmbeddingUnavailableError("request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return apperrors.NewInvalidInputError("", fmt.Sprintf("embedding backend rejected input (status %d): %s",
			resp.StatusCode, strings.TrimSpace(string(detail))))
	default:
		return apperrors.NewEmbeddingUnavailableError(fmt.Sprintf("backend returned status %d", resp.StatusCode), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewEmbeddingUnavailableError("decode response", err)
	}

	return nil
}
