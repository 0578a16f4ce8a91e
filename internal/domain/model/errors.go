package model

import (
	"errors"
	"fmt"
)

// 错误分类。调用方用 errors.Is 判断类别。
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrCapacity          = errors.New("capacity exceeded")
	ErrConnection        = errors.New("connection failed")
	ErrLegalHold         = errors.New("evidence under legal hold")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrHashChain         = errors.New("custody hash chain broken")
	ErrUnsupported       = errors.New("unsupported evidence type")
)

// NotFoundf 构造 not-found 错误。
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Invalidf 构造校验错误。
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ValidateSource 校验来源结构：ID、类型必填，主机名与 IP 至少其一。
func ValidateSource(s EvidenceSource, allowed ...SourceType) error {
	if s.ID == "" {
		return Invalidf("source id is required")
	}
	ok := false
	for _, t := range allowed {
		if s.Type == t {
			ok = true
			break
		}
	}
	if !ok {
		return Invalidf("source %s: unsupported type %q", s.ID, s.Type)
	}
	if s.Type != SourceCloud && s.Hostname == "" && s.IPAddress == "" {
		return Invalidf("source %s: hostname or ip_address is required", s.ID)
	}
	return nil
}
