package runpod

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const gpuTypesQuery = `
query GpuTypes {
  gpuTypes {
    id
    displayName
    memoryInGb
    secureCloud
    communityCloud
    securePrice
    communityPrice
    secureSpotPrice
    communitySpotPrice
  }
}`

const myPodsQuery = `
query MyPods {
  myself {
    pods {
      id
      runtime {
        ports {
          privatePort
          publicPort
          type
        }
      }
    }
  }
}`

// GPUOffers fetches the GPU catalog with per-tier pricing
func (c *Client) GPUOffers(ctx context.Context) ([]GPUOffer, error) {
	var data struct {
		GPUTypes []GPUOffer `json:"gpuTypes"`
	}
	if err := c.Query(ctx, gpuTypesQuery, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch GPU types: %w", err)
	}

	for i := range data.GPUTypes {
		if data.GPUTypes[i].DisplayName == "" {
			data.GPUTypes[i].DisplayName = data.GPUTypes[i].ID
		}
	}
	return data.GPUTypes, nil
}

// CreatePod creates a new pod. Capacity exhaustion is returned unwrapped so
// IsCapacityExhausted works on the result.
func (c *Client) CreatePod(ctx context.Context, req *CreatePodRequest) (*Pod, error) {
	if req.ComputeType == "" {
		req.ComputeType = "GPU"
	}
	if req.GPUCount == 0 {
		req.GPUCount = 1
	}

	var pod Pod
	if err := c.Do(ctx, http.MethodPost, "/pods", req, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// GetPod retrieves a pod by ID
func (c *Client) GetPod(ctx context.Context, id string) (*Pod, error) {
	var pod Pod
	if err := c.Do(ctx, http.MethodGet, "/pods/"+id, nil, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// ListPods lists all pods on the account
func (c *Client) ListPods(ctx context.Context) ([]*Pod, error) {
	var pods []*Pod
	if err := c.Do(ctx, http.MethodGet, "/pods", nil, &pods); err != nil {
		return nil, err
	}
	return pods, nil
}

// DeletePod terminates a pod. A pod that no longer exists counts as deleted.
func (c *Client) DeletePod(ctx context.Context, id string) error {
	err := c.Do(ctx, http.MethodDelete, "/pods/"+id, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// SSHPort looks up the live TCP public port mapped to the pod's port 22.
// The REST snapshot can report a stale or UDP mapping; this reads the
// runtime view instead. Returns 0 when no mapping is assigned yet.
func (c *Client) SSHPort(ctx context.Context, podID string) (int, error) {
	var data struct {
		Myself struct {
			Pods []struct {
				ID      string `json:"id"`
				Runtime *struct {
					Ports []PortMapping `json:"ports"`
				} `json:"runtime"`
			} `json:"pods"`
		} `json:"myself"`
	}
	if err := c.Query(ctx, myPodsQuery, nil, &data); err != nil {
		return 0, fmt.Errorf("failed to query pod ports: %w", err)
	}

	for _, pod := range data.Myself.Pods {
		if pod.ID != podID || pod.Runtime == nil {
			continue
		}
		for _, p := range pod.Runtime.Ports {
			if p.PrivatePort == 22 && strings.EqualFold(p.Type, "tcp") {
				return p.PublicPort, nil
			}
		}
	}
	return 0, nil
}

// ValidateAPIKey checks the key by listing at most one pod
func (c *Client) ValidateAPIKey(ctx context.Context) error {
	if err := c.Do(ctx, http.MethodGet, "/pods?limit=1", nil, nil); err != nil {
		return fmt.Errorf("failed to validate API key: %w", err)
	}
	return nil
}
