package finding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Resource type discriminators.
const (
	ResourceInstance   = "Instance"
	ResourceS3Bucket   = "S3Bucket"
	ResourceAccessKey  = "AccessKey"
	ResourceEKSCluster = "EKSCluster"
)

// Action type discriminators.
const (
	ActionNetworkConnection = "NETWORK_CONNECTION"
	ActionAWSAPICall        = "AWS_API_CALL"
	ActionDNSRequest        = "DNS_REQUEST"
)

// Variant decoding errors.
var (
	ErrMalformedResource = errors.New("malformed resource block")
	ErrMalformedAction   = errors.New("malformed action block")
)

// Resource is the affected-resource block. Its variant is decoded on demand
// so that a malformed nested block fails the transform of one finding rather
// than the parse of the whole line.
type Resource struct {
	Type string
	raw  json.RawMessage
}

// ResourceVariant is implemented by every concrete resource shape.
type ResourceVariant interface {
	ResourceType() string
}

// InstanceDetails describes an EC2 instance.
type InstanceDetails struct {
	InstanceID        string             `json:"instanceId"`
	InstanceType      string             `json:"instanceType,omitempty"`
	ImageID           string             `json:"imageId,omitempty"`
	AvailabilityZone  string             `json:"availabilityZone,omitempty"`
	Platform          string             `json:"platform,omitempty"`
	InstanceState     string             `json:"instanceState,omitempty"`
	Tags              []Tag              `json:"tags,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"networkInterfaces,omitempty"`
}

// NetworkInterface is one ENI attached to an instance.
type NetworkInterface struct {
	PrivateIPAddress string `json:"privateIpAddress,omitempty"`
	PublicIP         string `json:"publicIp,omitempty"`
	VpcID            string `json:"vpcId,omitempty"`
	SubnetID         string `json:"subnetId,omitempty"`
}

// Tag is a key/value resource tag.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// S3BucketResource lists the buckets involved in a finding.
type S3BucketResource struct {
	Buckets []S3BucketDetail
}

// S3BucketDetail describes one bucket.
type S3BucketDetail struct {
	Name string `json:"name"`
	Arn  string `json:"arn,omitempty"`
	Type string `json:"type,omitempty"`
}

// AccessKeyDetails describes an IAM credential.
type AccessKeyDetails struct {
	AccessKeyID string `json:"accessKeyId"`
	PrincipalID string `json:"principalId,omitempty"`
	UserName    string `json:"userName,omitempty"`
	UserType    string `json:"userType,omitempty"`
}

// EKSClusterResource describes a cluster and optionally the workload involved.
type EKSClusterResource struct {
	Cluster    EKSClusterDetails
	Kubernetes *KubernetesDetails
}

// EKSClusterDetails describes an EKS cluster.
type EKSClusterDetails struct {
	Name   string `json:"name"`
	Arn    string `json:"arn,omitempty"`
	VpcID  string `json:"vpcId,omitempty"`
	Status string `json:"status,omitempty"`
}

// KubernetesDetails carries workload and user context.
type KubernetesDetails struct {
	Workload struct {
		Name      string `json:"name,omitempty"`
		Namespace string `json:"namespace,omitempty"`
		Type      string `json:"type,omitempty"`
	} `json:"kubernetesWorkloadDetails"`
	User struct {
		Username string `json:"username,omitempty"`
	} `json:"kubernetesUserDetails"`
}

// UnknownResource is any resourceType this pipeline does not model.
type UnknownResource struct {
	Type string
}

// NoResource is returned when the finding has no resource block.
type NoResource struct{}

func (InstanceDetails) ResourceType() string    { return ResourceInstance }
func (S3BucketResource) ResourceType() string   { return ResourceS3Bucket }
func (AccessKeyDetails) ResourceType() string   { return ResourceAccessKey }
func (EKSClusterResource) ResourceType() string { return ResourceEKSCluster }
func (u UnknownResource) ResourceType() string  { return u.Type }
func (NoResource) ResourceType() string         { return "" }

type resourceBody struct {
	ResourceType      string             `json:"resourceType"`
	InstanceDetails   *InstanceDetails   `json:"instanceDetails,omitempty"`
	S3BucketDetails   []S3BucketDetail   `json:"s3BucketDetails,omitempty"`
	AccessKeyDetails  *AccessKeyDetails  `json:"accessKeyDetails,omitempty"`
	EKSClusterDetails *EKSClusterDetails `json:"eksClusterDetails,omitempty"`
	KubernetesDetails *KubernetesDetails `json:"kubernetesDetails,omitempty"`
}

// NewResource builds a Resource block from a variant.
func NewResource(v ResourceVariant) (Resource, error) {
	body := resourceBody{ResourceType: v.ResourceType()}
	switch r := v.(type) {
	case InstanceDetails:
		body.InstanceDetails = &r
	case S3BucketResource:
		body.S3BucketDetails = r.Buckets
	case AccessKeyDetails:
		body.AccessKeyDetails = &r
	case EKSClusterResource:
		body.EKSClusterDetails = &r.Cluster
		body.KubernetesDetails = r.Kubernetes
	case NoResource:
		return Resource{}, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Resource{}, err
	}
	return Resource{Type: body.ResourceType, raw: raw}, nil
}

// UnmarshalJSON keeps the block verbatim; decoding happens in Variant.
func (r *Resource) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*r = Resource{}
		return nil
	}
	r.raw = append(json.RawMessage(nil), data...)
	var hdr struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &hdr); err == nil {
		r.Type = hdr.ResourceType
	}
	return nil
}

// MarshalJSON writes the block back verbatim.
func (r Resource) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}

// Raw returns the verbatim resource block.
func (r Resource) Raw() json.RawMessage { return r.raw }

// Variant decodes the resource into its concrete shape.
func (r Resource) Variant() (ResourceVariant, error) {
	if len(r.raw) == 0 {
		return NoResource{}, nil
	}
	var body resourceBody
	if err := json.Unmarshal(r.raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResource, err)
	}

	switch body.ResourceType {
	case ResourceInstance:
		if body.InstanceDetails == nil {
			return nil, fmt.Errorf("%w: %s without instanceDetails", ErrMalformedResource, body.ResourceType)
		}
		return *body.InstanceDetails, nil
	case ResourceS3Bucket:
		if len(body.S3BucketDetails) == 0 {
			return nil, fmt.Errorf("%w: %s without s3BucketDetails", ErrMalformedResource, body.ResourceType)
		}
		return S3BucketResource{Buckets: body.S3BucketDetails}, nil
	case ResourceAccessKey:
		if body.AccessKeyDetails == nil {
			return nil, fmt.Errorf("%w: %s without accessKeyDetails", ErrMalformedResource, body.ResourceType)
		}
		return *body.AccessKeyDetails, nil
	case ResourceEKSCluster:
		if body.EKSClusterDetails == nil {
			return nil, fmt.Errorf("%w: %s without eksClusterDetails", ErrMalformedResource, body.ResourceType)
		}
		return EKSClusterResource{Cluster: *body.EKSClusterDetails, Kubernetes: body.KubernetesDetails}, nil
	case "":
		return NoResource{}, nil
	default:
		return UnknownResource{Type: body.ResourceType}, nil
	}
}

// Action is the detection-context block inside service.
type Action struct {
	Type string
	raw  json.RawMessage
}

// ActionVariant is implemented by every concrete action shape.
type ActionVariant interface {
	ActionType() string
}

// RemoteIPDetails identifies the remote party of an action.
type RemoteIPDetails struct {
	IPAddressV4 string `json:"ipAddressV4,omitempty"`
	Country     struct {
		CountryName string `json:"countryName,omitempty"`
		CountryCode string `json:"countryCode,omitempty"`
	} `json:"country"`
	Organization struct {
		Asn    string `json:"asn,omitempty"`
		AsnOrg string `json:"asnOrg,omitempty"`
		Isp    string `json:"isp,omitempty"`
		Org    string `json:"org,omitempty"`
	} `json:"organization"`
}

// PortDetails is a port with its service name.
type PortDetails struct {
	Port     int    `json:"port"`
	PortName string `json:"portName,omitempty"`
}

// NetworkConnectionAction is an observed network connection.
type NetworkConnectionAction struct {
	ConnectionDirection string           `json:"connectionDirection,omitempty"`
	Protocol            string           `json:"protocol,omitempty"`
	Blocked             bool             `json:"blocked"`
	RemoteIPDetails     *RemoteIPDetails `json:"remoteIpDetails,omitempty"`
	LocalPortDetails    *PortDetails     `json:"localPortDetails,omitempty"`
	RemotePortDetails   *PortDetails     `json:"remotePortDetails,omitempty"`
}

// AWSAPICallAction is an observed AWS API invocation.
type AWSAPICallAction struct {
	API             string           `json:"api"`
	ServiceName     string           `json:"serviceName,omitempty"`
	CallerType      string           `json:"callerType,omitempty"`
	ErrorCode       string           `json:"errorCode,omitempty"`
	RemoteIPDetails *RemoteIPDetails `json:"remoteIpDetails,omitempty"`
}

// DNSRequestAction is an observed DNS lookup.
type DNSRequestAction struct {
	Domain   string `json:"domain"`
	Protocol string `json:"protocol,omitempty"`
	Blocked  bool   `json:"blocked"`
}

// UnknownAction is any actionType this pipeline does not model.
type UnknownAction struct {
	Type string
}

// NoAction is returned when the service block carries no action.
type NoAction struct{}

func (NetworkConnectionAction) ActionType() string { return ActionNetworkConnection }
func (AWSAPICallAction) ActionType() string        { return ActionAWSAPICall }
func (DNSRequestAction) ActionType() string        { return ActionDNSRequest }
func (u UnknownAction) ActionType() string         { return u.Type }
func (NoAction) ActionType() string                { return "" }

type actionBody struct {
	ActionType              string                   `json:"actionType"`
	NetworkConnectionAction *NetworkConnectionAction `json:"networkConnectionAction,omitempty"`
	AWSAPICallAction        *AWSAPICallAction        `json:"awsApiCallAction,omitempty"`
	DNSRequestAction        *DNSRequestAction        `json:"dnsRequestAction,omitempty"`
}

// NewAction builds an Action block from a variant.
func NewAction(v ActionVariant) (Action, error) {
	body := actionBody{ActionType: v.ActionType()}
	switch a := v.(type) {
	case NetworkConnectionAction:
		body.NetworkConnectionAction = &a
	case AWSAPICallAction:
		body.AWSAPICallAction = &a
	case DNSRequestAction:
		body.DNSRequestAction = &a
	case NoAction:
		return Action{}, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Action{}, err
	}
	return Action{Type: body.ActionType, raw: raw}, nil
}

// UnmarshalJSON keeps the block verbatim; decoding happens in Variant.
func (a *Action) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*a = Action{}
		return nil
	}
	a.raw = append(json.RawMessage(nil), data...)
	var hdr struct {
		ActionType string `json:"actionType"`
	}
	if err := json.Unmarshal(data, &hdr); err == nil {
		a.Type = hdr.ActionType
	}
	return nil
}

// MarshalJSON writes the block back verbatim.
func (a Action) MarshalJSON() ([]byte, error) {
	if len(a.raw) == 0 {
		return []byte("null"), nil
	}
	return a.raw, nil
}

// Raw returns the verbatim action block.
func (a Action) Raw() json.RawMessage { return a.raw }

// Variant decodes the action into its concrete shape.
func (a Action) Variant() (ActionVariant, error) {
	if len(a.raw) == 0 {
		return NoAction{}, nil
	}
	var body actionBody
	if err := json.Unmarshal(a.raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}

	switch body.ActionType {
	case ActionNetworkConnection:
		if body.NetworkConnectionAction == nil {
			return nil, fmt.Errorf("%w: %s without networkConnectionAction", ErrMalformedAction, body.ActionType)
		}
		return *body.NetworkConnectionAction, nil
	case ActionAWSAPICall:
		if body.AWSAPICallAction == nil {
			return nil, fmt.Errorf("%w: %s without awsApiCallAction", ErrMalformedAction, body.ActionType)
		}
		return *body.AWSAPICallAction, nil
	case ActionDNSRequest:
		if body.DNSRequestAction == nil {
			return nil, fmt.Errorf("%w: %s without dnsRequestAction", ErrMalformedAction, body.ActionType)
		}
		return *body.DNSRequestAction, nil
	case "":
		return NoAction{}, nil
	default:
		return UnknownAction{Type: body.ActionType}, nil
	}
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
