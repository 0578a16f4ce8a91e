package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/orchestrator"
)

// 法律保全只存在于 serve 进程内，hold 子命令通过 HTTP API 操作正在运行的服务。
func runHold(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printHoldUsage()
		return nil
	}
	switch args[0] {
	case "apply":
		return runHoldApply(ctx, args[1:])
	case "release":
		return runHoldRelease(ctx, args[1:])
	case "list":
		return runHoldList(ctx, args[1:])
	default:
		printHoldUsage()
		return fmt.Errorf("unknown hold command: %s", args[0])
	}
}

func printHoldUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli hold apply --name NAME --evidence ID1,ID2 [--reason text] [--server http://127.0.0.1:8787]")
	fmt.Println("  evidence-cli hold release --id HOLD_ID [--server url]")
	fmt.Println("  evidence-cli hold list [--active] [--server url]")
}

// apiClient 是 CLI 访问 serve 进程的最小 JSON 客户端。
type apiClient struct {
	base  string
	actor string
	http  *http.Client
}

func newAPIClient(server, actor string) *apiClient {
	base := strings.TrimRight(strings.TrimSpace(server), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{base: base, actor: actor, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, e.Code, e.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func addServerFlags(fs *flag.FlagSet) (server, actor *string) {
	return fs.String("server", "127.0.0.1:8787", "evidence api address"),
		fs.String("actor", "", "operator recorded in custody and audit")
}

func printHold(h model.LegalHold) {
	state := "active"
	if !h.IsActive {
		state = "released"
	}
	fmt.Printf("%s name=%s state=%s evidence=%d created_by=%s reason=%s\n",
		h.ID, h.Name, state, len(h.EvidenceIDs), h.CreatedBy, h.Reason)
}

func runHoldApply(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hold apply", flag.ContinueOnError)
	server, actor := addServerFlags(fs)
	name := fs.String("name", "", "hold name (required)")
	reason := fs.String("reason", "", "hold reason")
	evidence := fs.String("evidence", "", "comma separated evidence ids (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("name", *name); err != nil {
		return err
	}
	if err := requireFlag("evidence", *evidence); err != nil {
		return err
	}
	var out struct {
		Hold model.LegalHold `json:"hold"`
	}
	err := newAPIClient(*server, *actor).do(ctx, http.MethodPost, "/v1/holds", orchestrator.HoldRequest{
		Name:        *name,
		Reason:      *reason,
		EvidenceIDs: splitList(*evidence),
	}, &out)
	if err != nil {
		return err
	}
	fmt.Println("legal hold applied")
	printHold(out.Hold)
	return nil
}

func runHoldRelease(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hold release", flag.ContinueOnError)
	server, actor := addServerFlags(fs)
	holdID := fs.String("id", "", "hold id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("id", *holdID); err != nil {
		return err
	}
	var out struct {
		Hold model.LegalHold `json:"hold"`
	}
	if err := newAPIClient(*server, *actor).do(ctx, http.MethodPost, "/v1/holds/"+*holdID+"/release", nil, &out); err != nil {
		return err
	}
	fmt.Println("legal hold released")
	printHold(out.Hold)
	return nil
}

func runHoldList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hold list", flag.ContinueOnError)
	server, actor := addServerFlags(fs)
	active := fs.Bool("active", false, "only active holds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var out struct {
		Items []model.LegalHold `json:"items"`
		Total int               `json:"total"`
	}
	path := "/v1/holds"
	if *active {
		path += "?active=true"
	}
	if err := newAPIClient(*server, *actor).do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	fmt.Printf("legal holds total=%d\n", out.Total)
	for _, h := range out.Items {
		printHold(h)
	}
	return nil
}
