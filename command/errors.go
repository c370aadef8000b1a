package command

import "errors"

// 定义命令解析与分发阶段的通用错误，便于统一处理提示文案。
var (
	// ErrCommandNotFound 表示输入的斜杠命令不存在。
	ErrCommandNotFound = errors.New("command not found")
	// ErrCommandRequired 表示只输入了命令前缀。
	ErrCommandRequired = errors.New("command required")
	// ErrExit 由 /exit 返回，结束交互式会话。
	ErrExit = errors.New("exit requested")
	// ErrInProcessStore 表示 memory 后端的会话只存在于服务进程内，命令行无法访问。
	ErrInProcessStore = errors.New("memory session store is only reachable inside the serving process")
)
