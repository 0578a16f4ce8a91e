package model

import "time"

// LiveResponseOptions 控制现场响应采集哪些易失性数据。
// 用 DefaultLiveResponseOptions 取得默认值：内存镜像与高痕迹项（打开文件、加载模块）默认关闭。
type LiveResponseOptions struct {
	MemoryDump         bool   `json:"memory_dump"`
	ProcessList        bool   `json:"process_list"`
	NetworkConnections bool   `json:"network_connections"`
	OpenFiles          bool   `json:"open_files"`
	LoadedModules      bool   `json:"loaded_modules"`
	SystemInfo         bool   `json:"system_info"`
	Services           bool   `json:"services"`
	ScheduledTasks     bool   `json:"scheduled_tasks"`
	UserSessions       bool   `json:"user_sessions"`
	Actor              string `json:"actor,omitempty"`
	StorageBackend     string `json:"storage_backend,omitempty"`
}

// DefaultLiveResponseOptions 返回默认开关。
func DefaultLiveResponseOptions() LiveResponseOptions {
	return LiveResponseOptions{
		MemoryDump:         false,
		ProcessList:        true,
		NetworkConnections: true,
		OpenFiles:          false,
		LoadedModules:      false,
		SystemInfo:         true,
		Services:           true,
		ScheduledTasks:     true,
		UserSessions:       true,
	}
}

// LiveResponseOverrides 是调用方输入，nil 表示使用默认值。
type LiveResponseOverrides struct {
	MemoryDump         *bool  `json:"memory_dump,omitempty"`
	ProcessList        *bool  `json:"process_list,omitempty"`
	NetworkConnections *bool  `json:"network_connections,omitempty"`
	OpenFiles          *bool  `json:"open_files,omitempty"`
	LoadedModules      *bool  `json:"loaded_modules,omitempty"`
	SystemInfo         *bool  `json:"system_info,omitempty"`
	Services           *bool  `json:"services,omitempty"`
	ScheduledTasks     *bool  `json:"scheduled_tasks,omitempty"`
	UserSessions       *bool  `json:"user_sessions,omitempty"`
	Actor              string `json:"actor,omitempty"`
	StorageBackend     string `json:"storage_backend,omitempty"`
}

// Resolve 叠加覆盖项。
func (o *LiveResponseOverrides) Resolve() LiveResponseOptions {
	out := DefaultLiveResponseOptions()
	if o == nil {
		return out
	}
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&out.MemoryDump, o.MemoryDump)
	set(&out.ProcessList, o.ProcessList)
	set(&out.NetworkConnections, o.NetworkConnections)
	set(&out.OpenFiles, o.OpenFiles)
	set(&out.LoadedModules, o.LoadedModules)
	set(&out.SystemInfo, o.SystemInfo)
	set(&out.Services, o.Services)
	set(&out.ScheduledTasks, o.ScheduledTasks)
	set(&out.UserSessions, o.UserSessions)
	out.Actor = o.Actor
	out.StorageBackend = o.StorageBackend
	return out
}

// ProcessInfo 进程信息。
type ProcessInfo struct {
	PID     int    `json:"pid"`
	PPID    int    `json:"ppid,omitempty"`
	User    string `json:"user,omitempty"`
	Name    string `json:"name"`
	Command string `json:"command,omitempty"`
}

// NetworkConnection 网络连接。
type NetworkConnection struct {
	Protocol      string `json:"protocol"`
	LocalAddress  string `json:"local_address"`
	RemoteAddress string `json:"remote_address,omitempty"`
	State         string `json:"state,omitempty"`
	PID           int    `json:"pid,omitempty"`
}

// OpenFile 打开的文件句柄。
type OpenFile struct {
	PID     int    `json:"pid"`
	Command string `json:"command,omitempty"`
	FD      string `json:"fd,omitempty"`
	Type    string `json:"type,omitempty"`
	Path    string `json:"path"`
}

// LoadedModule 已加载的内核模块/驱动。
type LoadedModule struct {
	Name   string `json:"name"`
	Size   int64  `json:"size,omitempty"`
	UsedBy string `json:"used_by,omitempty"`
}

// ServiceInfo 系统服务。
type ServiceInfo struct {
	Name        string `json:"name"`
	State       string `json:"state,omitempty"`
	Program     string `json:"program,omitempty"`
	Description string `json:"description,omitempty"`
	RunAtLoad   bool   `json:"run_at_load,omitempty"`
}

// ScheduledTask 计划任务（cron/schtasks）。
type ScheduledTask struct {
	Name     string `json:"name,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Command  string `json:"command"`
	User     string `json:"user,omitempty"`
}

// UserSession 登录会话。
type UserSession struct {
	User     string `json:"user"`
	Terminal string `json:"terminal,omitempty"`
	Host     string `json:"host,omitempty"`
	LoginAt  string `json:"login_at,omitempty"`
}

// MemoryDumpInfo 引用单独登记的内存镜像证据。
type MemoryDumpInfo struct {
	EvidenceID string `json:"evidence_id"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256,omitempty"`
	Tool       string `json:"tool,omitempty"`
}

// LiveResponseData 是一次现场响应的完整结果。
// 除内存镜像外的所有数据序列化后作为一条 live_response 证据登记。
type LiveResponseData struct {
	CaseID             string              `json:"case_id"`
	SourceID           string              `json:"source_id"`
	CollectedAt        time.Time           `json:"collected_at"`
	Options            LiveResponseOptions `json:"options"`
	MemoryDump         *MemoryDumpInfo     `json:"memory_dump,omitempty"`
	Processes          []ProcessInfo       `json:"processes,omitempty"`
	NetworkConnections []NetworkConnection `json:"network_connections,omitempty"`
	OpenFiles          []OpenFile          `json:"open_files,omitempty"`
	LoadedModules      []LoadedModule      `json:"loaded_modules,omitempty"`
	SystemInfo         map[string]string   `json:"system_info,omitempty"`
	Services           []ServiceInfo       `json:"services,omitempty"`
	ScheduledTasks     []ScheduledTask     `json:"scheduled_tasks,omitempty"`
	UserSessions       []UserSession       `json:"user_sessions,omitempty"`
	Errors             []CollectionError   `json:"errors,omitempty"`
	EvidenceID         string              `json:"evidence_id,omitempty"`
}
