package shared

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsafeFileName 文件名带路径成分或指向目录本身
var ErrUnsafeFileName = errors.New("unsafe file name")

// JoinFileName 把一个纯文件名放进 dir。
//
// 模板目录按文件名平铺镜像，名称来自 bundle：拒绝任何目录分隔符、"." 与 ".."，
// 镜像不会写到 dir 之外，也不会建子目录。
func JoinFileName(dir, name string) (string, error) {
	switch {
	case name == "", name == ".", name == "..":
		return "", ErrUnsafeFileName
	case strings.ContainsAny(name, `/\`), filepath.Base(name) != name, filepath.VolumeName(name) != "":
		return "", ErrUnsafeFileName
	}
	return filepath.Join(filepath.Clean(dir), name), nil
}
