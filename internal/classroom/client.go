// Package classroom calls the external classroom API that rosters are
// synced from.
package classroom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"classtrack/internal/roster"
)

// Client calls the classroom roster service. With Skip set it returns
// canned data so the rest of the system runs without the external API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Timeouts are treated the same as a non-2xx
// response by callers, so the client keeps a conservative fixed timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ListCourses fetches the courses visible to the configured teacher.
func (c *Client) ListCourses(ctx context.Context) ([]roster.ExternalCourse, error) {
	if c.Skip {
		return []roster.ExternalCourse{
			{ClassroomID: "mock-course-1", Name: "Matemáticas III", Section: "A"},
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/courses", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classroom request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classroom service error: %s", resp.Status)
	}

	var out struct {
		Courses []roster.ExternalCourse `json:"courses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Courses, nil
}

// ListStudents fetches the external roster of one course.
func (c *Client) ListStudents(ctx context.Context, classroomID string) ([]roster.ExternalStudent, error) {
	if c.Skip {
		return []roster.ExternalStudent{
			{ClassroomID: "mock-student-1", Name: "Ana Torres", Email: "ana@school.test"},
			{ClassroomID: "mock-student-2", Name: "Beto Ruiz", Email: "beto@school.test"},
		}, nil
	}
	if classroomID == "" {
		return nil, fmt.Errorf("classroom course id required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/courses/"+classroomID+"/students", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classroom request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classroom service error: %s", resp.Status)
	}

	var out struct {
		Students []roster.ExternalStudent `json:"students"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Students, nil
}

// Health checks if the classroom service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("classroom service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("classroom service unhealthy: %s", resp.Status)
	}
	return nil
}
