// openai-service 是 OpenAI 兼容代理服务的入口。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/IMBotPlatform/OpenAIService/command"
)

func main() {
	if err := command.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
