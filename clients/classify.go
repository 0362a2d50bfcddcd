package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maastricht-university/workout-coach/motion"
)

// --- Exercise classifier (/classify) ---
type ClassifyReq struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type ClassifyResp struct {
	Label              string             `json:"label"`
	LabelProbabilities map[string]float64 `json:"label_probabilities"`
}

func (h *HTTP) Classify(ctx context.Context, url string, t motion.Tensor) (*ClassifyResp, error) {
	b, err := json.Marshal(ClassifyReq{Shape: t.Shape, Data: t.Data})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/classify", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: classify %s: %s", motion.ErrInputShape, resp.Status, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("classify %s: %s", resp.Status, string(body))
	}

	var out ClassifyResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("classify decode: %w", err)
	}
	return &out, nil
}

// HTTPClassifier adapts a model service to motion.Classifier.
type HTTPClassifier struct {
	http *HTTP
	url  string
}

func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{http: NewHTTP(timeout), url: url}
}

func (c *HTTPClassifier) Classify(ctx context.Context, in motion.Tensor) (motion.Prediction, error) {
	out, err := c.http.Classify(ctx, c.url, in)
	if err != nil {
		return motion.Prediction{}, err
	}
	return motion.Prediction{Label: out.Label, Probabilities: out.LabelProbabilities}, nil
}
