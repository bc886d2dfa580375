package generator

import "path/filepath"

// Paths 生成产物在共享目录下的布局。
// 守护进程按这些路径读取配置，控制进程与隧道进程必须使用同一个 Root。
type Paths struct {
	Root string

	GeneralConf   string // general.json
	ForwarderConf string // proxy.json
	HTTPMainConf  string // http.conf
	HTTPConfDir   string // httpconf/
	ActionsFile   string // httpconf/user.action
	TemplateDir   string // httptemplate/
	TempDir       string // httptemporary/
	LogDir        string // log/
	HTTPLogFile   string // log/privoxy.log
	GeoIPDB       string // GeoLite2-Country.mmdb
}

// GeoIPFileName GeoIP 数据库文件名（bundle 与共享目录一致）
const GeoIPFileName = "GeoLite2-Country.mmdb"

// NewPaths 以 root 为根构造路径
func NewPaths(root string) Paths {
	confDir := filepath.Join(root, "httpconf")
	logDir := filepath.Join(root, "log")
	return Paths{
		Root:          root,
		GeneralConf:   filepath.Join(root, "general.json"),
		ForwarderConf: filepath.Join(root, "proxy.json"),
		HTTPMainConf:  filepath.Join(root, "http.conf"),
		HTTPConfDir:   confDir,
		ActionsFile:   filepath.Join(confDir, "user.action"),
		TemplateDir:   filepath.Join(root, "httptemplate"),
		TempDir:       filepath.Join(root, "httptemporary"),
		LogDir:        logDir,
		HTTPLogFile:   filepath.Join(logDir, "privoxy.log"),
		GeoIPDB:       filepath.Join(root, GeoIPFileName),
	}
}

// workDirs 每次生成前确保存在的目录
func (p Paths) workDirs() []string {
	return []string{p.HTTPConfDir, p.TemplateDir, p.TempDir, p.LogDir}
}
