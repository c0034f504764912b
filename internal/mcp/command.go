package mcp

import (
	"os"
	"os/exec"
	"path/filepath"
)

// resolveCommand 把配置里的命令名换成可执行文件路径。先查 PATH，
// 查不到再逐个尝试常见的用户级安装目录，都失败时保留原名交给
// 操作系统报错。
func resolveCommand(command string, args []string) (string, []string) {
	command, args = rewriteLauncher(command, args)

	if path, err := exec.LookPath(command); err == nil {
		return path, args
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return command, args
	}
	candidates := []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, ".npm-global", "bin"),
		filepath.Join(home, ".bun", "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	for _, dir := range candidates {
		candidate := filepath.Join(dir, command)
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, args
		}
	}
	return command, args
}

// rewriteLauncher 在本机装有 bun 时把 npx 调用改写成 bun x，
// 启动速度差一个量级。npx 专属的 -y/--yes 参数顺带剥掉。
func rewriteLauncher(command string, args []string) (string, []string) {
	if command != "npx" {
		return command, args
	}
	if _, err := exec.LookPath("bun"); err != nil {
		return command, args
	}

	rewritten := make([]string, 0, len(args)+1)
	rewritten = append(rewritten, "x")
	for _, arg := range args {
		if arg == "-y" || arg == "--yes" {
			continue
		}
		rewritten = append(rewritten, arg)
	}
	return "bun", rewritten
}
