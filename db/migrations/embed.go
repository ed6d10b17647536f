package migrations

import "embed"

// UpFiles 内嵌全部 up 迁移脚本，按文件名顺序执行。
//
//go:embed *.up.sql
var UpFiles embed.FS
