package generator

import (
	"errors"
	"log"
	"os"
	"path/filepath"

	"tunnelmgr/backend/service/shared"
)

// CopyTemplates 把 <bundle>/template/* 镜像到模板目录，同名文件直接替换。
// 尽力而为：失败只记录日志。返回成功复制的文件数。
func (g *Generator) CopyTemplates() int {
	if g.bundleDir == "" {
		return 0
	}
	src := filepath.Join(g.bundleDir, "template")
	entries, err := os.ReadDir(src)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("[Template] 读取模板目录失败: %v", err)
		}
		return 0
	}
	if err := os.MkdirAll(g.paths.TemplateDir, 0o755); err != nil {
		log.Printf("[Template] 创建模板目录失败: %v", err)
		return 0
	}

	copied := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst, err := shared.JoinFileName(g.paths.TemplateDir, e.Name())
		if err != nil {
			log.Printf("[Template] 跳过 %s: %v", e.Name(), err)
			continue
		}
		if err := shared.CopyFile(filepath.Join(src, e.Name()), dst); err != nil {
			log.Printf("[Template] 复制 %s 失败: %v", e.Name(), err)
			continue
		}
		copied++
	}
	log.Printf("[Template] copied %d template file(s) into %s", copied, g.paths.TemplateDir)
	return copied
}
