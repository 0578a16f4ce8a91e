package model

// CloudProvider 云厂商标识。
type CloudProvider string

const (
	CloudAWS   CloudProvider = "aws"
	CloudAzure CloudProvider = "azure"
	CloudGCP   CloudProvider = "gcp"
)

// CloudConfig 描述一次云采集：厂商、区域与要遍历的资源类型。
type CloudConfig struct {
	Provider      CloudProvider     `json:"provider" yaml:"provider"`
	Region        string            `json:"region" yaml:"region"`
	AccountID     string            `json:"account_id,omitempty" yaml:"account_id"`
	ResourceTypes []string          `json:"resource_types,omitempty" yaml:"resource_types"`
	Endpoint      string            `json:"endpoint,omitempty" yaml:"endpoint"`
	Credentials   map[string]string `json:"-" yaml:"credentials"`
}

// SourceID 为云采集合成一个稳定的来源 ID。
func (c CloudConfig) SourceID() string {
	id := string(c.Provider) + ":" + c.Region
	if c.AccountID != "" {
		id += ":" + c.AccountID
	}
	return id
}
