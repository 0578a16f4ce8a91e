package model

import "time"

// CollectionOptions 是合并调用方输入与进程默认值之后的完整选项，不存在“未设置”的字段。
type CollectionOptions struct {
	WriteBlocking       bool          `json:"write_blocking"`
	VerifyHashes        bool          `json:"verify_hashes"`
	HashAlgorithms      []string      `json:"hash_algorithms"`
	Compress            bool          `json:"compress"`
	Encrypt             bool          `json:"encrypt"`
	EncryptionKey       string        `json:"-"`
	StorageBackend      string        `json:"storage_backend"`
	StoragePath         string        `json:"storage_path"`
	MaxConcurrency      int           `json:"max_concurrency"`
	Timeout             time.Duration `json:"timeout"`
	RetryAttempts       int           `json:"retry_attempts"`
	MinimalFootprint    bool          `json:"minimal_footprint"`
	PreserveTimestamps  bool          `json:"preserve_timestamps"`
	CollectDeletedFiles bool          `json:"collect_deleted_files"`
	ExclusionPatterns   []string      `json:"exclusion_patterns,omitempty"`
	ArtifactPaths       []string      `json:"artifact_paths,omitempty"`
	Tags                []string      `json:"tags,omitempty"`
	Actor               string        `json:"actor"`
}

// Clone 复制切片字段。
func (o CollectionOptions) Clone() CollectionOptions {
	o.HashAlgorithms = append([]string(nil), o.HashAlgorithms...)
	o.ExclusionPatterns = append([]string(nil), o.ExclusionPatterns...)
	o.ArtifactPaths = append([]string(nil), o.ArtifactPaths...)
	o.Tags = append([]string(nil), o.Tags...)
	return o
}

// OptionOverrides 是调用方输入：nil 表示沿用默认值。
type OptionOverrides struct {
	WriteBlocking       *bool          `json:"write_blocking,omitempty" yaml:"write_blocking"`
	VerifyHashes        *bool          `json:"verify_hashes,omitempty" yaml:"verify_hashes"`
	HashAlgorithms      []string       `json:"hash_algorithms,omitempty" yaml:"hash_algorithms"`
	Compress            *bool          `json:"compress,omitempty" yaml:"compress"`
	Encrypt             *bool          `json:"encrypt,omitempty" yaml:"encrypt"`
	EncryptionKey       *string        `json:"encryption_key,omitempty" yaml:"encryption_key"`
	StorageBackend      *string        `json:"storage_backend,omitempty" yaml:"storage_backend"`
	StoragePath         *string        `json:"storage_path,omitempty" yaml:"storage_path"`
	MaxConcurrency      *int           `json:"max_concurrency,omitempty" yaml:"max_concurrency"`
	Timeout             *time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	RetryAttempts       *int           `json:"retry_attempts,omitempty" yaml:"retry_attempts"`
	MinimalFootprint    *bool          `json:"minimal_footprint,omitempty" yaml:"minimal_footprint"`
	PreserveTimestamps  *bool          `json:"preserve_timestamps,omitempty" yaml:"preserve_timestamps"`
	CollectDeletedFiles *bool          `json:"collect_deleted_files,omitempty" yaml:"collect_deleted_files"`
	ExclusionPatterns   []string       `json:"exclusion_patterns,omitempty" yaml:"exclusion_patterns"`
	ArtifactPaths       []string       `json:"artifact_paths,omitempty" yaml:"artifact_paths"`
	Tags                []string       `json:"tags,omitempty" yaml:"tags"`
	Actor               *string        `json:"actor,omitempty" yaml:"actor"`
}

// Resolve 以 defaults 为底，叠加非 nil 的覆盖项。
func (o *OptionOverrides) Resolve(defaults CollectionOptions) CollectionOptions {
	out := defaults.Clone()
	if o == nil {
		return out
	}
	if o.WriteBlocking != nil {
		out.WriteBlocking = *o.WriteBlocking
	}
	if o.VerifyHashes != nil {
		out.VerifyHashes = *o.VerifyHashes
	}
	if len(o.HashAlgorithms) > 0 {
		out.HashAlgorithms = append([]string(nil), o.HashAlgorithms...)
	}
	if o.Compress != nil {
		out.Compress = *o.Compress
	}
	if o.Encrypt != nil {
		out.Encrypt = *o.Encrypt
	}
	if o.EncryptionKey != nil {
		out.EncryptionKey = *o.EncryptionKey
	}
	if o.StorageBackend != nil && *o.StorageBackend != "" {
		out.StorageBackend = *o.StorageBackend
	}
	if o.StoragePath != nil && *o.StoragePath != "" {
		out.StoragePath = *o.StoragePath
	}
	if o.MaxConcurrency != nil && *o.MaxConcurrency > 0 {
		out.MaxConcurrency = *o.MaxConcurrency
	}
	if o.Timeout != nil && *o.Timeout > 0 {
		out.Timeout = *o.Timeout
	}
	if o.RetryAttempts != nil && *o.RetryAttempts >= 0 {
		out.RetryAttempts = *o.RetryAttempts
	}
	if o.MinimalFootprint != nil {
		out.MinimalFootprint = *o.MinimalFootprint
	}
	if o.PreserveTimestamps != nil {
		out.PreserveTimestamps = *o.PreserveTimestamps
	}
	if o.CollectDeletedFiles != nil {
		out.CollectDeletedFiles = *o.CollectDeletedFiles
	}
	if len(o.ExclusionPatterns) > 0 {
		out.ExclusionPatterns = append([]string(nil), o.ExclusionPatterns...)
	}
	if len(o.ArtifactPaths) > 0 {
		out.ArtifactPaths = append([]string(nil), o.ArtifactPaths...)
	}
	if len(o.Tags) > 0 {
		out.Tags = append([]string(nil), o.Tags...)
	}
	if o.Actor != nil && *o.Actor != "" {
		out.Actor = *o.Actor
	}
	return out
}

// PreserveOptions 是证据固定（preserve）操作的输入。
type PreserveOptions struct {
	// WriteBlock 为 nil 时默认开启。
	WriteBlock    *bool  `json:"write_block,omitempty"`
	Compress      bool   `json:"compress"`
	Encrypt       bool   `json:"encrypt"`
	EncryptionKey string `json:"encryption_key,omitempty"`
	// TransferTo 为目标存储后端名，留空表示不迁移。
	TransferTo string `json:"transfer_to,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// Bool 返回 v 的指针，便于构造覆盖项。
func Bool(v bool) *bool { return &v }

// String 返回 v 的指针。
func String(v string) *string { return &v }
