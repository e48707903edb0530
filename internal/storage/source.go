package storage

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// FromBytes 内存内容
func FromBytes(name, contentType string, data []byte) Source {
	return Source{
		Name: name,
		Type: contentType,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FromFileHeader gin multipart 上传的文件
func FromFileHeader(fh *multipart.FileHeader) Source {
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = typeByName(fh.Filename)
	}
	return Source{
		Name: fh.Filename,
		Type: ct,
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}

// FromPath 本地磁盘文件，MIME 先按扩展名，再按内容嗅探
func FromPath(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, err
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct, err = sniff(path)
		if err != nil {
			return Source{}, err
		}
	}
	return Source{
		Name: filepath.Base(path),
		Type: ct,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

func typeByName(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sample := make([]byte, 512)
	n, err := f.Read(sample)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read sample: %w", err)
	}
	return http.DetectContentType(sample[:n]), nil
}
