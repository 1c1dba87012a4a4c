package util

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DetectMimeType 读取文件头嗅探 MIME 类型，并校验是否在允许列表中。
// allowed 为前缀或完整类型，如 "image/"、"application/pdf"。
func DetectMimeType(r io.Reader, allowed []string) (string, error) {
	head := make([]byte, 512)
	n, err := r.Read(head)
	if err != nil && err != io.EOF {
		return "", err
	}

	mimeType := http.DetectContentType(head[:n])
	for _, a := range allowed {
		if strings.HasPrefix(mimeType, a) {
			return mimeType, nil
		}
	}
	return mimeType, fmt.Errorf("%w: type %s not allowed", ErrInvalidFile, mimeType)
}
