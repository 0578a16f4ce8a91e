package acquire

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"evidence-orchestrator/internal/domain/model"
)

// Network 负责网络状态：连接表、抓包、ARP 表与路由表。
type Network struct {
	// CaptureInterface 为空时使用 any。
	CaptureInterface string
	// CapturePackets 单次抓包的报文上限。
	CapturePackets int
}

func NewNetwork() *Network {
	return &Network{CaptureInterface: "any", CapturePackets: 1000}
}

func (n *Network) Name() string { return "network" }

func (n *Network) Supports(t model.EvidenceType) bool {
	switch t {
	case model.EvidenceNetworkConnections, model.EvidenceNetworkCapture, model.EvidenceARPTable, model.EvidenceRoutingTable:
		return true
	default:
		return false
	}
}

func (n *Network) Acquire(ctx context.Context, conn Connection, req Request) (*Acquisition, error) {
	switch req.Type {
	case model.EvidenceNetworkConnections:
		conns, cmd, err := networkConnections(ctx, conn)
		if err != nil {
			return nil, err
		}
		return jsonAcquisition(req.Type, cmd, "network_state", conns)
	case model.EvidenceNetworkCapture:
		return n.capture(ctx, conn, req.Options)
	case model.EvidenceARPTable:
		args := []string{"-an"}
		if conn.Platform() == "windows" {
			args = []string{"-a"}
		}
		return rawCommand(ctx, conn, req.Type, "arp", args...)
	case model.EvidenceRoutingTable:
		if conn.Platform() == "windows" {
			return rawCommand(ctx, conn, req.Type, "route", "print")
		}
		return rawCommand(ctx, conn, req.Type, "netstat", "-rn")
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupported, req.Type)
	}
}

// rawCommand 直接把命令输出作为文本证据。
func rawCommand(ctx context.Context, conn Connection, t model.EvidenceType, name string, args ...string) (*Acquisition, error) {
	out, err := conn.Run(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	cmd := strings.TrimSpace(name + " " + strings.Join(args, " "))
	return &Acquisition{
		Name:        string(t) + ".txt",
		Description: string(t) + " via " + cmd,
		Path:        cmd,
		Payload:     out,
		Metadata: model.EvidenceMetadata{
			AcquisitionMethod: "network_state",
			AcquisitionTool:   name,
			MimeType:          "text/plain",
		},
		Tags: []string{"volatile", "network"},
	}, nil
}

func (n *Network) capture(ctx context.Context, conn Connection, opts model.CollectionOptions) (*Acquisition, error) {
	if opts.MinimalFootprint {
		return nil, fmt.Errorf("network_capture: %w", ErrFootprint)
	}
	if conn.Platform() == "windows" {
		return nil, fmt.Errorf("%w: network_capture on windows", model.ErrUnsupported)
	}
	iface := n.CaptureInterface
	if iface == "" {
		iface = "any"
	}
	count := n.CapturePackets
	if count <= 0 {
		count = 1000
	}
	args := []string{"-i", iface, "-c", strconv.Itoa(count), "-U", "-w", "-"}
	out, err := conn.Run(ctx, "tcpdump", args...)
	if err != nil {
		return nil, fmt.Errorf("tcpdump: %w", err)
	}
	return &Acquisition{
		Name:        "capture.pcap",
		Description: fmt.Sprintf("packet capture on %s (max %d packets)", iface, count),
		Path:        "tcpdump " + strings.Join(args, " "),
		Payload:     out,
		Metadata: model.EvidenceMetadata{
			AcquisitionMethod: "packet_capture",
			AcquisitionTool:   "tcpdump",
			MimeType:          "application/vnd.tcpdump.pcap",
			Extra:             map[string]string{"interface": iface, "packet_limit": strconv.Itoa(count)},
		},
		Tags: []string{"network"},
	}, nil
}

func networkConnections(ctx context.Context, conn Connection) ([]model.NetworkConnection, string, error) {
	var args []string
	switch conn.Platform() {
	case "windows":
		args = []string{"-ano"}
	case "darwin":
		args = []string{"-an", "-p", "tcp"}
	default:
		args = []string{"-tunap"}
	}
	out, err := conn.Run(ctx, "netstat", args...)
	if err != nil && len(out) == 0 {
		return nil, "netstat", fmt.Errorf("netstat: %w", err)
	}
	return parseNetstat(out, conn.Platform()), "netstat " + strings.Join(args, " "), nil
}

// parseNetstat 解析 netstat 连接表。
// windows: Proto Local Foreign State PID；其他: Proto Recv-Q Send-Q Local Foreign [State] [PID/Program]。
func parseNetstat(out []byte, platform string) []model.NetworkConnection {
	var conns []model.NetworkConnection
	for _, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		proto := strings.ToLower(f[0])
		if !strings.HasPrefix(proto, "tcp") && !strings.HasPrefix(proto, "udp") {
			continue
		}
		var c model.NetworkConnection
		if platform == "windows" {
			if len(f) < 3 {
				continue
			}
			c = model.NetworkConnection{Protocol: proto, LocalAddress: f[1], RemoteAddress: f[2]}
			rest := f[3:]
			if len(rest) == 2 {
				c.State = rest[0]
				rest = rest[1:]
			}
			if len(rest) == 1 {
				c.PID, _ = strconv.Atoi(rest[0])
			}
		} else {
			if len(f) < 5 {
				continue
			}
			c = model.NetworkConnection{Protocol: proto, LocalAddress: f[3], RemoteAddress: f[4]}
			for _, extra := range f[5:] {
				if pidStr, _, ok := strings.Cut(extra, "/"); ok {
					if pid, err := strconv.Atoi(pidStr); err == nil {
						c.PID = pid
						continue
					}
				}
				if c.State == "" && strings.ToUpper(extra) == extra {
					c.State = extra
				}
			}
		}
		conns = append(conns, c)
	}
	return conns
}
