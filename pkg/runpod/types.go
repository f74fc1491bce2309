package runpod

// CloudType selects the RunPod cloud tier a pod is scheduled on
type CloudType string

const (
	CloudSecure    CloudType = "SECURE"
	CloudCommunity CloudType = "COMMUNITY"
)

// Desired statuses reported by the REST API
const (
	StatusRunning    = "RUNNING"
	StatusExited     = "EXITED"
	StatusTerminated = "TERMINATED"
	StatusCreated    = "CREATED"
)

// SSHContainerPort is the container port sshd listens on inside every pod
const SSHContainerPort = "22"

// GPUOffer represents a GPU type catalog entry with tier-specific pricing.
// A nil price means the marketplace has no current offer for that tier/mode.
type GPUOffer struct {
	ID                 string   `json:"id"`
	DisplayName        string   `json:"displayName"`
	MemoryInGB         int      `json:"memoryInGb"`
	SecureCloud        bool     `json:"secureCloud"`
	CommunityCloud     bool     `json:"communityCloud"`
	SecurePrice        *float64 `json:"securePrice"`
	CommunityPrice     *float64 `json:"communityPrice"`
	SecureSpotPrice    *float64 `json:"secureSpotPrice"`
	CommunitySpotPrice *float64 `json:"communitySpotPrice"`
}

// Supports reports whether the offer is available in the given cloud tier
func (o GPUOffer) Supports(cloud CloudType) bool {
	switch cloud {
	case CloudSecure:
		return o.SecureCloud
	case CloudCommunity:
		return o.CommunityCloud
	default:
		return false
	}
}

// Price returns the price matching the cloud tier and pricing mode, or nil
func (o GPUOffer) Price(cloud CloudType, spot bool) *float64 {
	switch cloud {
	case CloudSecure:
		if spot {
			return o.SecureSpotPrice
		}
		return o.SecurePrice
	case CloudCommunity:
		if spot {
			return o.CommunitySpotPrice
		}
		return o.CommunityPrice
	default:
		return nil
	}
}

// Pod represents a RunPod pod snapshot as returned by the REST API
type Pod struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	DesiredStatus string         `json:"desiredStatus"`
	PublicIP      string         `json:"publicIp,omitempty"`
	PortMappings  map[string]int `json:"portMappings,omitempty"`
	GPU           *PodGPU        `json:"gpu,omitempty"`
	CostPerHr     float64        `json:"costPerHr,omitempty"`
	ImageName     string         `json:"imageName,omitempty"`
}

// PodGPU describes the GPU attached to a pod
type PodGPU struct {
	ID          string `json:"id"`
	Count       int    `json:"count"`
	DisplayName string `json:"displayName"`
}

// SSHPort returns the public port mapped to container port 22, or 0
func (p *Pod) SSHPort() int {
	if p == nil {
		return 0
	}
	return p.PortMappings[SSHContainerPort]
}

// CreatePodRequest represents a pod creation request
type CreatePodRequest struct {
	Name              string            `json:"name"`
	ImageName         string            `json:"imageName"`
	CloudType         CloudType         `json:"cloudType"`
	ComputeType       string            `json:"computeType"`
	GPUTypeIDs        []string          `json:"gpuTypeIds"`
	GPUCount          int               `json:"gpuCount"`
	ContainerDiskInGB int               `json:"containerDiskInGb"`
	Ports             []string          `json:"ports"`
	SupportPublicIP   bool              `json:"supportPublicIp"`
	Interruptible     bool              `json:"interruptible"`
	Env               map[string]string `json:"env,omitempty"`
}

// PortMapping is a live runtime port mapping reported by GraphQL
type PortMapping struct {
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
	Type        string `json:"type"`
}
