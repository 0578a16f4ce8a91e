package hash

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	gohash "hash"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// 支持的摘要算法名。
const (
	MD5        = "md5"
	SHA1       = "sha1"
	SHA256     = "sha256"
	SHA512     = "sha512"
	BLAKE2b256 = "blake2b-256"
)

// Text 将多个字段按换行拼接后计算 SHA-256。
// 这里用于 chain_hash 等“字段级留痕”场景。
func Text(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("\n"))
		}
		_, _ = h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// File 读取文件并计算 SHA-256，同时返回文件大小。
func File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Supported 判断算法名是否受支持（大小写不敏感）。
func Supported(alg string) bool {
	_, err := newHasher(alg)
	return err == nil
}

// Normalize 统一算法名：小写、去空格、去重，保持输入顺序。
func Normalize(algs []string) []string {
	seen := make(map[string]struct{}, len(algs))
	out := make([]string, 0, len(algs))
	for _, a := range algs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func newHasher(alg string) (gohash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(alg)) {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

// Reader 单次遍历 r，同时计算多个算法的摘要，返回 算法->hex 以及读取的字节数。
func Reader(r io.Reader, algs ...string) (map[string]string, int64, error) {
	algs = Normalize(algs)
	if len(algs) == 0 {
		return nil, 0, fmt.Errorf("no hash algorithm given")
	}
	hashers := make([]gohash.Hash, 0, len(algs))
	writers := make([]io.Writer, 0, len(algs))
	for _, a := range algs {
		h, err := newHasher(a)
		if err != nil {
			return nil, 0, err
		}
		hashers = append(hashers, h)
		writers = append(writers, h)
	}
	n, err := io.Copy(io.MultiWriter(writers...), r)
	if err != nil {
		return nil, n, err
	}
	out := make(map[string]string, len(algs))
	for i, a := range algs {
		out[a] = hex.EncodeToString(hashers[i].Sum(nil))
	}
	return out, n, nil
}

// Bytes 对内存中的载荷计算多算法摘要。
func Bytes(data []byte, algs ...string) (map[string]string, error) {
	out, _, err := Reader(bytes.NewReader(data), algs...)
	return out, err
}

// Manifest 把 算法->摘要 渲染成稳定排序的 "alg:hex" 行，便于写入报告。
func Manifest(sums map[string]string) []string {
	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+":"+sums[k])
	}
	return out
}
