// Command heimdall 运行行情数据编排服务，并提供取数、诊断与重置的命令行入口。
package main

import (
	"fmt"
	"os"
)

// version 由构建时 -ldflags "-X main.version=..." 注入。
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
