// Package custody 负责证据完整性：多算法哈希、校验、只追加的监管链，以及法律保全。
//
// Ledger 不持有证据本身；调用方（编排器）在注册表的单条证据锁内把 *EvidenceItem 交给 Ledger 修改，
// 从而保证同一证据的监管链条目不会交错写入。
package custody

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/platform/id"
)

// DefaultAlgorithms 在调用方未指定算法时使用。
var DefaultAlgorithms = []string{hash.SHA256, hash.MD5}

// HashTransition 描述一次完整性状态变化（前哈希 -> 新哈希）。
type HashTransition struct {
	Previous string
	New      string
}

// Ledger 是监管链与法律保全的唯一写入口。
type Ledger struct {
	mu        sync.RWMutex
	holds     map[string]*model.LegalHold
	order     []string
	ids       id.Generator
	retention time.Duration
	now       func() time.Time
}

// New 创建 Ledger。retentionDays<=0 表示不设保留期限（永不过期）。
func New(ids id.Generator, retentionDays int) *Ledger {
	if ids == nil {
		ids = id.Default{}
	}
	var ret time.Duration
	if retentionDays > 0 {
		ret = time.Duration(retentionDays) * 24 * time.Hour
	}
	return &Ledger{
		holds:     make(map[string]*model.LegalHold),
		ids:       ids,
		retention: ret,
		now:       time.Now,
	}
}

// SetClock 替换时钟（测试用）。
func (l *Ledger) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Algorithms 校验并规范化算法列表；空列表回落到 DefaultAlgorithms。
func Algorithms(algs []string) ([]string, error) {
	out := hash.Normalize(algs)
	if len(out) == 0 {
		return append([]string(nil), DefaultAlgorithms...), nil
	}
	for _, a := range out {
		if !hash.Supported(a) {
			return nil, model.Invalidf("unsupported hash algorithm %q", a)
		}
	}
	return out, nil
}

// RecordCollection 为新采集的证据计算哈希并写入第一条 collected 监管记录。
func (l *Ledger) RecordCollection(item *model.EvidenceItem, data []byte, algs []string, actor, description string) error {
	if len(item.ChainOfCustody) > 0 {
		return fmt.Errorf("evidence %s already has custody history", item.ID)
	}
	algs, err := Algorithms(algs)
	if err != nil {
		return err
	}
	sums, err := hash.Bytes(data, algs...)
	if err != nil {
		return fmt.Errorf("hash evidence %s: %w", item.ID, err)
	}
	item.Hashes = model.EvidenceHashes(sums)
	item.Size = int64(len(data))
	_, primary := model.PrimaryHash(item.Hashes)
	_, err = l.AddCustodyEntry(item, model.CustodyCollected, actor, description, &HashTransition{New: primary})
	return err
}

// HashEvidence 对完整载荷计算所请求的摘要，合并进证据哈希表，并追加一条 hashed 记录。
// 同一载荷、同一算法重复计算得到相同摘要。
func (l *Ledger) HashEvidence(item *model.EvidenceItem, data []byte, algs []string, actor string) (model.EvidenceHashes, error) {
	algs, err := Algorithms(algs)
	if err != nil {
		return nil, err
	}
	sums, err := hash.Bytes(data, algs...)
	if err != nil {
		return nil, fmt.Errorf("hash evidence %s: %w", item.ID, err)
	}
	prev := item.LatestHash()
	if item.Hashes == nil {
		item.Hashes = make(model.EvidenceHashes, len(sums))
	}
	for k, v := range sums {
		item.Hashes[k] = v
	}
	_, primary := model.PrimaryHash(item.Hashes)
	desc := "computed " + strings.Join(hash.Manifest(sums), ", ")
	if _, err := l.AddCustodyEntry(item, model.CustodyHashed, actor, desc, &HashTransition{Previous: prev, New: primary}); err != nil {
		return nil, err
	}
	return model.EvidenceHashes(sums), nil
}

// VerifyEvidence 用主算法重新计算摘要并与记录值比较。
// 除了 Verified 标记外不改变证据的任何字段。
func (l *Ledger) VerifyEvidence(item *model.EvidenceItem, data []byte) (model.VerificationResult, error) {
	alg, recorded := model.PrimaryHash(item.Hashes)
	if alg == "" {
		return model.VerificationResult{}, model.Invalidf("evidence %s has no recorded hash", item.ID)
	}
	sums, err := hash.Bytes(data, alg)
	if err != nil {
		return model.VerificationResult{}, fmt.Errorf("hash evidence %s: %w", item.ID, err)
	}
	current := sums[alg]
	res := model.VerificationResult{
		EvidenceID:   item.ID,
		Valid:        current == recorded,
		OriginalHash: recorded,
		CurrentHash:  current,
		Algorithm:    alg,
		VerifiedAt:   l.now().UTC(),
	}
	item.Verified = res.Valid
	return res, nil
}

// AddCustodyEntry 严格追加一条监管记录。
//
// 规则：
// - 第一条必须是 collected；
// - 带哈希变化时，Previous 必须等于追加时刻最近一次记录的哈希；
// - 时间戳不早于上一条（时钟回拨时沿用上一条时间）。
func (l *Ledger) AddCustodyEntry(item *model.EvidenceItem, action model.CustodyAction, actor, description string, tr *HashTransition) (model.ChainOfCustodyEntry, error) {
	if action == "" {
		return model.ChainOfCustodyEntry{}, model.Invalidf("custody action is required")
	}
	if len(item.ChainOfCustody) == 0 && action != model.CustodyCollected {
		return model.ChainOfCustodyEntry{}, model.Invalidf("first custody entry of %s must be %q, got %q", item.ID, model.CustodyCollected, action)
	}
	if len(item.ChainOfCustody) > 0 && action == model.CustodyCollected {
		return model.ChainOfCustodyEntry{}, model.Invalidf("evidence %s already collected", item.ID)
	}
	if strings.TrimSpace(actor) == "" {
		actor = "system"
	}
	e := model.ChainOfCustodyEntry{
		ID:          l.ids.NewUUID(),
		Timestamp:   l.now().UTC(),
		Action:      action,
		Actor:       actor,
		Description: description,
	}
	if tr != nil {
		if len(item.ChainOfCustody) > 0 {
			if latest := item.LatestHash(); tr.Previous != latest {
				return model.ChainOfCustodyEntry{}, fmt.Errorf("%w: evidence %s previous=%q latest=%q", model.ErrHashChain, item.ID, tr.Previous, latest)
			}
		}
		e.PreviousHash = tr.Previous
		e.NewHash = tr.New
	}
	if n := len(item.ChainOfCustody); n > 0 {
		if last := item.ChainOfCustody[n-1].Timestamp; e.Timestamp.Before(last) {
			e.Timestamp = last
		}
	}
	item.ChainOfCustody = append(item.ChainOfCustody, e)
	return e, nil
}

// ApplyLegalHold 创建并激活一条法律保全。
func (l *Ledger) ApplyLegalHold(name, reason string, evidenceIDs []string, actor string) (model.LegalHold, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.LegalHold{}, model.Invalidf("legal hold name is required")
	}
	ids := dedupe(evidenceIDs)
	if len(ids) == 0 {
		return model.LegalHold{}, model.Invalidf("legal hold %q covers no evidence", name)
	}
	h := &model.LegalHold{
		ID:          l.ids.NewUUID(),
		Name:        name,
		Reason:      reason,
		EvidenceIDs: ids,
		IsActive:    true,
		CreatedAt:   l.now().UTC(),
		CreatedBy:   actor,
	}
	l.mu.Lock()
	l.holds[h.ID] = h
	l.order = append(l.order, h.ID)
	l.mu.Unlock()
	return cloneHold(h), nil
}

// ReleaseLegalHold 解除保全。已解除的保全再次解除视为非法状态迁移。
func (l *Ledger) ReleaseLegalHold(holdID, actor string) (model.LegalHold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[holdID]
	if !ok {
		return model.LegalHold{}, model.NotFoundf("legal hold %s", holdID)
	}
	if !h.IsActive {
		return model.LegalHold{}, fmt.Errorf("%w: legal hold %s already released", model.ErrInvalidTransition, holdID)
	}
	now := l.now().UTC()
	h.IsActive = false
	h.ReleasedAt = &now
	h.ReleasedBy = actor
	return cloneHold(h), nil
}

// GetHold 按 ID 查询保全。
func (l *Ledger) GetHold(holdID string) (model.LegalHold, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.holds[holdID]
	if !ok {
		return model.LegalHold{}, model.NotFoundf("legal hold %s", holdID)
	}
	return cloneHold(h), nil
}

// HoldsFor 返回覆盖该证据的全部生效保全（按创建顺序）。
func (l *Ledger) HoldsFor(evidenceID string) []model.LegalHold {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.LegalHold
	for _, hid := range l.order {
		h := l.holds[hid]
		if h.IsActive && h.Covers(evidenceID) {
			out = append(out, cloneHold(h))
		}
	}
	return out
}

// ListHolds 按创建顺序列出保全；activeOnly 时只返回生效的。
func (l *Ledger) ListHolds(activeOnly bool) []model.LegalHold {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.LegalHold, 0, len(l.order))
	for _, hid := range l.order {
		h := l.holds[hid]
		if activeOnly && !h.IsActive {
			continue
		}
		out = append(out, cloneHold(h))
	}
	return out
}

// ActiveHoldCount 返回生效保全数量。
func (l *Ledger) ActiveHoldCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, h := range l.holds {
		if h.IsActive {
			n++
		}
	}
	return n
}

// CanDeleteEvidence 判断证据能否删除。
// 任一生效保全覆盖即不可删除，与保留期是否到期无关；保留期只作为参考信息返回。
func (l *Ledger) CanDeleteEvidence(evidenceID string, collectedAt time.Time) model.DeleteEligibility {
	out := model.DeleteEligibility{
		CanDelete:        true,
		RetentionExpired: l.RetentionExpired(collectedAt),
	}
	holds := l.HoldsFor(evidenceID)
	if len(holds) == 0 {
		return out
	}
	names := make([]string, 0, len(holds))
	for _, h := range holds {
		out.HoldIDs = append(out.HoldIDs, h.ID)
		names = append(names, h.Name)
	}
	out.CanDelete = false
	out.Reason = fmt.Sprintf("evidence %s is under active legal hold: %s", evidenceID, strings.Join(names, ", "))
	return out
}

// RetentionExpired 判断采集时间是否已超出保留期。
func (l *Ledger) RetentionExpired(collectedAt time.Time) bool {
	if l.retention <= 0 || collectedAt.IsZero() {
		return false
	}
	return l.now().Sub(collectedAt) > l.retention
}

func cloneHold(h *model.LegalHold) model.LegalHold {
	out := *h
	out.EvidenceIDs = append([]string(nil), h.EvidenceIDs...)
	if h.ReleasedAt != nil {
		t := *h.ReleasedAt
		out.ReleasedAt = &t
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, s := range ids {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
